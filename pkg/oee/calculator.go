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

// Package oee derives availability, performance, quality and OEE of a
// production order from its resolved time window.
package oee

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/timewindow"
)

var (
	ErrMetricsUnavailable = errors.New("metrics unavailable")
	ErrInvalidQuantity    = errors.New("planned quantity must be positive")
	ErrNonNumericInput    = errors.New("non numeric input")
)

type Config struct {
	Scale      datamodel.Scale
	Thresholds Thresholds
	// Location is used to project shift breaks, nil means UTC.
	Location *time.Location
}

func DefaultConfig() Config {
	return Config{
		Scale:      datamodel.ScalePercent,
		Thresholds: DefaultThresholds(),
		Location:   time.UTC,
	}
}

// Input is everything one computation needs.
type Input struct {
	Order       datamodel.ProductionOrder
	Collections timewindow.Collections
	// ActualQuantity and ActualYield are the produced and good counts so far.
	ActualQuantity float64
	ActualYield    float64
	Now            time.Time
}

// Calculator computes metrics for the order currently tracked on one machine
// and keeps the last successful result.
type Calculator struct {
	cfg      Config
	resolver *timewindow.Resolver

	mu     sync.RWMutex
	latest *datamodel.OEEMetrics
}

func NewCalculator(cfg Config) *Calculator {
	if cfg.Scale == "" {
		cfg.Scale = datamodel.ScalePercent
	}
	return &Calculator{
		cfg:      cfg,
		resolver: timewindow.NewResolver(cfg.Location),
	}
}

// Compute derives a new metrics value. A failed computation keeps the previous value.
func (c *Calculator) Compute(in Input) (datamodel.OEEMetrics, error) {
	m, err := c.compute(in)
	if err != nil {
		return datamodel.OEEMetrics{}, err
	}
	c.mu.Lock()
	c.latest = &m
	c.mu.Unlock()
	return m, nil
}

// Metrics returns the result of the last successful computation.
func (c *Calculator) Metrics() (datamodel.OEEMetrics, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return datamodel.OEEMetrics{}, ErrMetricsUnavailable
	}
	return *c.latest, nil
}

// Hourly returns the hour bucketed production time of the order window.
func (c *Calculator) Hourly(in Input) ([]datamodel.HourBucket, error) {
	window, err := timewindow.OrderWindow(in.Order)
	if err != nil {
		return nil, err
	}
	return c.resolver.Hourly(in.Order.MachineID, window, in.Collections), nil
}

func (c *Calculator) compute(in Input) (datamodel.OEEMetrics, error) {
	order := in.Order
	if err := order.Validate(); err != nil {
		return datamodel.OEEMetrics{}, err
	}
	if !finite(order.PlannedQuantity) || !finite(in.ActualQuantity) || !finite(in.ActualYield) {
		return datamodel.OEEMetrics{}, fmt.Errorf("%w: order %s", ErrNonNumericInput, order.ID)
	}
	if order.PlannedQuantity <= 0 {
		return datamodel.OEEMetrics{}, fmt.Errorf("%w: order %s has %v", ErrInvalidQuantity, order.ID, order.PlannedQuantity)
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	lifecycle, err := lifecycleOf(order)
	if err != nil {
		return datamodel.OEEMetrics{}, fmt.Errorf("order %s: %w", order.ID, err)
	}
	window, err := timewindow.OrderWindow(order)
	if err != nil {
		return datamodel.OEEMetrics{}, err
	}

	totals := c.resolver.Resolve(order.MachineID, window, in.Collections)
	t := formulasFor(lifecycle).takt(computation{resolver: c.resolver, order: order, in: in})

	availability := Availability(totals.Runtime(), totals.UnplannedDowntime)
	performance := Performance(t.planned, t.actual, t.actualDefined)
	quality := Quality(in.ActualYield, in.ActualQuantity)
	oee := OEE(availability, performance, quality)

	m := datamodel.OEEMetrics{
		OrderID:             order.ID,
		MachineID:           order.MachineID,
		MaterialID:          order.MaterialID,
		MaterialDescription: order.MaterialDescription,
		PlannedStart:        order.PlannedStart,
		PlannedEnd:          order.PlannedEnd,
		ActualStart:         order.ActualStart,
		ActualEnd:           order.ActualEnd,
		PlannedQuantity:     order.PlannedQuantity,
		ActualQuantity:      in.ActualQuantity,
		ActualYield:         in.ActualYield,

		Classification: c.cfg.Thresholds.Classify(oee),
		Scale:          c.cfg.Scale,

		PlannedTaktMinutes: t.planned,
		RemainingMinutes:   t.remaining,
		ExpectedEnd:        t.expectedEnd,

		RuntimeMinutes:           totals.Runtime(),
		PlannedDowntimeMinutes:   totals.PlannedDowntime,
		UnplannedDowntimeMinutes: totals.UnplannedDowntime,
		MicrostopMinutes:         totals.Microstops,
		BreakMinutes:             totals.Breaks,

		Lifecycle:  lifecycle,
		Terminal:   lifecycle == datamodel.LifecycleEnded,
		ComputedAt: in.Now,
	}
	if t.actualDefined {
		m.ActualTaktMinutes = t.actual
	}

	scale := 1.0
	if c.cfg.Scale == datamodel.ScaleFraction {
		scale = 0.01
	}
	m.Availability = availability * scale
	m.Performance = performance * scale
	m.Quality = quality * scale
	m.OEE = oee * scale
	return m, nil
}

// Availability is the share of runtime not lost to unplanned downtime.
func Availability(runtime, unplanned float64) float64 {
	if runtime <= 0 {
		return 0
	}
	return 100 * math.Max(0, runtime-unplanned) / runtime
}

func Performance(plannedTakt, actualTakt float64, actualDefined bool) float64 {
	if !actualDefined || actualTakt <= 0 {
		return 0
	}
	return 100 * plannedTakt / actualTakt
}

func Quality(yield, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}
	return 100 * yield / quantity
}

// OEE combines three percentages into one.
func OEE(availability, performance, quality float64) float64 {
	return availability * performance * quality / 10000
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
