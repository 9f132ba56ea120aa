// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine recomputes a machine's metrics whenever its inputs change and
// hands the result to the publisher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/buffer"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/oee"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/timewindow"
	"go.uber.org/zap"
)

var (
	recomputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_recomputations_total",
		Help: "Successful metric computations",
	})
	recomputationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_recomputation_failures_total",
		Help: "Metric computations that returned an error",
	})
	pendingFinals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oee_calculator_pending_final_metrics",
		Help: "Final metrics of completed orders waiting for a persistence retry",
	})
)

// Reference is the read side of the reference data accessor.
type Reference interface {
	GetActiveOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error)
	GetDowntimeIntervals(ctx context.Context, kind datamodel.DowntimeKind, machineID int, window datamodel.Interval) ([]datamodel.DowntimeInterval, error)
	GetMicrostops(ctx context.Context, machineID int, window datamodel.Interval) ([]datamodel.Interval, error)
	GetShiftWindows(ctx context.Context, machineID int) ([]datamodel.ShiftWindow, error)
}

type Publisher interface {
	Publish(m datamodel.OEEMetrics)
	PersistFinal(ctx context.Context, m datamodel.OEEMetrics) error
}

type machine struct {
	orderID    string
	calculator *oee.Calculator
	input      *oee.Input
}

type Engine struct {
	ref       Reference
	buffer    *buffer.Buffer
	publisher Publisher
	cfg       oee.Config
	now       func() time.Time

	mu       sync.RWMutex
	machines map[int]*machine

	pendingMu sync.Mutex
	pending   map[string]*pendingFinal
}

// pendingFinal is an ended order whose final metrics are not stored yet.
type pendingFinal struct {
	machineID int
	order     datamodel.ProductionOrder
	metrics   *datamodel.OEEMetrics
}

func New(ref Reference, buf *buffer.Buffer, publisher Publisher, cfg oee.Config, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ref:       ref,
		buffer:    buf,
		publisher: publisher,
		cfg:       cfg,
		now:       now,
		machines:  make(map[int]*machine),
		pending:   make(map[string]*pendingFinal),
	}
}

// calculatorFor returns the machine's calculator, replacing it when the order changed.
func (e *Engine) calculatorFor(machineID int, orderID string) *oee.Calculator {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[machineID]
	if !ok || m.orderID != orderID {
		m = &machine{orderID: orderID, calculator: oee.NewCalculator(e.cfg)}
		e.machines[machineID] = m
	}
	return m.calculator
}

func (e *Engine) remember(machineID int, in oee.Input) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.machines[machineID]; ok && m.orderID == in.Order.ID {
		m.input = &in
	}
}

// Recompute computes and publishes the metrics of the machine's active order.
// A machine without active order is left untouched.
func (e *Engine) Recompute(ctx context.Context, machineID int) error {
	order, err := e.ref.GetActiveOrder(ctx, machineID)
	if errors.Is(err, postgresql.ErrNoActiveOrder) {
		zap.S().Debugf("Machine %d has no active order, skipping recomputation", machineID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.compute(ctx, machineID, order)
	return err
}

// Finalize computes the terminal metrics of an ended order, publishes and persists
// them and clears the machine's buffered counts. An order whose metrics could not
// be computed or persisted is kept for RetryPending.
func (e *Engine) Finalize(ctx context.Context, machineID int, order datamodel.ProductionOrder) error {
	if !order.Terminal() {
		return fmt.Errorf("%w: order %s has not ended", datamodel.ErrInvalidOrder, order.ID)
	}
	return e.finalize(ctx, &pendingFinal{machineID: machineID, order: order})
}

func (e *Engine) finalize(ctx context.Context, p *pendingFinal) error {
	if p.metrics == nil {
		m, err := e.compute(ctx, p.machineID, p.order)
		if err != nil {
			e.keepPending(p)
			return err
		}
		p.metrics = &m
		e.buffer.Clear(p.machineID, p.order.ID)
	}
	if err := e.publisher.PersistFinal(ctx, *p.metrics); err != nil {
		e.keepPending(p)
		return err
	}
	e.pendingMu.Lock()
	delete(e.pending, p.order.ID)
	pendingFinals.Set(float64(len(e.pending)))
	e.pendingMu.Unlock()
	return nil
}

func (e *Engine) keepPending(p *pendingFinal) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending[p.order.ID] = p
	pendingFinals.Set(float64(len(e.pending)))
}

// RetryPending finalises the orders whose final metrics could not be computed
// or persisted earlier and returns how many are still pending.
func (e *Engine) RetryPending(ctx context.Context) int {
	e.pendingMu.Lock()
	todo := make([]*pendingFinal, 0, len(e.pending))
	for _, p := range e.pending {
		todo = append(todo, p)
	}
	e.pendingMu.Unlock()

	for _, p := range todo {
		if ctx.Err() != nil {
			break
		}
		if err := e.finalize(ctx, p); err != nil {
			zap.S().Warnf("Final metrics of order %s are still pending: %v", p.order.ID, err)
		}
	}

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// RunRetries calls RetryPending every interval until ctx is done.
func (e *Engine) RunRetries(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RetryPending(ctx)
		}
	}
}

func (e *Engine) compute(ctx context.Context, machineID int, order datamodel.ProductionOrder) (datamodel.OEEMetrics, error) {
	now := e.now()
	in, err := e.input(ctx, machineID, order, now)
	if err != nil {
		recomputationFailures.Inc()
		return datamodel.OEEMetrics{}, err
	}

	m, err := e.calculatorFor(machineID, order.ID).Compute(in)
	if err != nil {
		recomputationFailures.Inc()
		zap.S().Errorw("Failed to compute metrics", "machine", machineID, "order", order.ID, "error", err)
		return datamodel.OEEMetrics{}, err
	}
	e.remember(machineID, in)
	recomputations.Inc()
	e.publisher.Publish(m)
	return m, nil
}

func (e *Engine) input(ctx context.Context, machineID int, order datamodel.ProductionOrder, now time.Time) (oee.Input, error) {
	window := fetchWindow(order, now)

	planned, err := e.ref.GetDowntimeIntervals(ctx, datamodel.DowntimePlanned, machineID, window)
	if err != nil {
		return oee.Input{}, fmt.Errorf("planned downtime of machine %d: %w", machineID, err)
	}
	unplanned, err := e.ref.GetDowntimeIntervals(ctx, datamodel.DowntimeUnplanned, machineID, window)
	if err != nil {
		return oee.Input{}, fmt.Errorf("unplanned downtime of machine %d: %w", machineID, err)
	}
	microstops, err := e.ref.GetMicrostops(ctx, machineID, window)
	if err != nil {
		return oee.Input{}, fmt.Errorf("microstops of machine %d: %w", machineID, err)
	}
	shifts, err := e.ref.GetShiftWindows(ctx, machineID)
	if err != nil {
		return oee.Input{}, fmt.Errorf("shifts of machine %d: %w", machineID, err)
	}

	quantity, yield := e.buffer.Counts(machineID, order, now)
	return oee.Input{
		Order: order,
		Collections: timewindow.Collections{
			PlannedDowntime:   datamodel.Intervals(planned),
			UnplannedDowntime: datamodel.Intervals(unplanned),
			Microstops:        microstops,
			Shifts:            shifts,
		},
		ActualQuantity: quantity,
		ActualYield:    yield,
		Now:            now,
	}, nil
}

// fetchWindow spans every interval any lifecycle formula may look at. A started
// order running late is measured up to the end of the current hour.
func fetchWindow(order datamodel.ProductionOrder, now time.Time) datamodel.Interval {
	w := datamodel.Interval{Start: order.PlannedStart, End: order.PlannedEnd}
	if order.ActualStart != nil && order.ActualStart.Before(w.Start) {
		w.Start = *order.ActualStart
	}
	switch {
	case order.ActualEnd != nil:
		if order.ActualEnd.After(w.End) {
			w.End = *order.ActualEnd
		}
	case order.ActualStart != nil:
		if end := now.Truncate(time.Hour).Add(time.Hour); end.After(w.End) {
			w.End = end
		}
	}
	return w
}

// Metrics returns the latest metrics of the machine.
func (e *Engine) Metrics(machineID int) (datamodel.OEEMetrics, error) {
	e.mu.RLock()
	m, ok := e.machines[machineID]
	e.mu.RUnlock()
	if !ok {
		return datamodel.OEEMetrics{}, oee.ErrMetricsUnavailable
	}
	return m.calculator.Metrics()
}

// Hourly returns the hour buckets of the last computed order of the machine.
func (e *Engine) Hourly(machineID int) ([]datamodel.HourBucket, error) {
	e.mu.RLock()
	m, ok := e.machines[machineID]
	var in *oee.Input
	if ok {
		in = m.input
	}
	e.mu.RUnlock()
	if in == nil {
		return nil, oee.ErrMetricsUnavailable
	}
	return m.calculator.Hourly(*in)
}

// HandleMetric stores a count metric for the machine's active order and
// recomputes when its value changed.
func (e *Engine) HandleMetric(ctx context.Context, machineID int, name string, value float64, at time.Time) error {
	if !e.buffer.Tracks(name) {
		zap.S().Debugf("Ignoring metric %s of machine %d", name, machineID)
		return nil
	}
	order, err := e.ref.GetActiveOrder(ctx, machineID)
	if errors.Is(err, postgresql.ErrNoActiveOrder) {
		zap.S().Debugf("Machine %d has no active order, ignoring metric %s", machineID, name)
		return nil
	}
	if err != nil {
		return err
	}
	if !e.buffer.Set(machineID, order.ID, name, value, at) {
		return nil
	}
	_, err = e.compute(ctx, machineID, order)
	return err
}
