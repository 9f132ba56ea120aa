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

// Package publisher distributes computed metrics to in-process subscribers and
// external broadcasters and persists the metrics of completed orders once.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

var (
	snapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_snapshots_published_total",
		Help: "Snapshots handed to subscribers and broadcasters",
	})
	subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_subscribers_dropped_total",
		Help: "Subscribers dropped because their buffer was full",
	})
	broadcastFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oee_calculator_broadcast_failures_total",
		Help: "Failed snapshot broadcasts by broadcaster",
	}, []string{"broadcaster"})
	ordersPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_orders_persisted_total",
		Help: "Completed orders whose metrics were persisted",
	})
	persistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_persistence_failures_total",
		Help: "Failed persistence attempts of completed orders",
	})
)

var ErrNotTerminal = errors.New("metrics are not terminal")

// Broadcaster pushes snapshots to an external system.
type Broadcaster interface {
	Name() string
	Broadcast(ctx context.Context, m datamodel.OEEMetrics) error
}

// Archiver receives the metrics of completed orders after they were persisted.
type Archiver interface {
	Archive(ctx context.Context, m datamodel.OEEMetrics) error
}

type Store interface {
	PersistFinalMetrics(ctx context.Context, m datamodel.OEEMetrics) error
}

type Options struct {
	Broadcasters     []Broadcaster
	Archiver         Archiver
	BroadcastTimeout time.Duration
}

type Publisher struct {
	hub     *Hub
	store   Store
	opts    Options
	workers []*broadcastWorker

	mu        sync.RWMutex
	latest    map[int]datamodel.OEEMetrics
	persisted map[string]struct{}

	wg sync.WaitGroup
}

func New(hub *Hub, store Store, opts Options) *Publisher {
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = 5 * time.Second
	}
	p := &Publisher{
		hub:       hub,
		store:     store,
		opts:      opts,
		latest:    make(map[int]datamodel.OEEMetrics),
		persisted: make(map[string]struct{}),
	}
	for _, b := range opts.Broadcasters {
		w := newBroadcastWorker(b, opts.BroadcastTimeout)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
	return p
}

// Publish replaces the machine's snapshot and distributes it. Each broadcaster
// gets the snapshots of a machine in publish order from its own worker, and
// failures are only logged.
func (p *Publisher) Publish(m datamodel.OEEMetrics) {
	p.mu.Lock()
	p.latest[m.MachineID] = m
	p.mu.Unlock()

	snapshotsPublished.Inc()
	p.hub.Broadcast(m)

	for _, w := range p.workers {
		w.offer(m)
	}
}

func (p *Publisher) Latest(machineID int) (datamodel.OEEMetrics, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.latest[machineID]
	return m, ok
}

// PersistFinal stores the metrics of a completed order once. Repeated calls for
// the same order are no-ops. The archiver is best effort.
func (p *Publisher) PersistFinal(ctx context.Context, m datamodel.OEEMetrics) error {
	if !m.Terminal {
		return fmt.Errorf("%w: order %s", ErrNotTerminal, m.OrderID)
	}
	p.mu.RLock()
	_, done := p.persisted[m.OrderID]
	p.mu.RUnlock()
	if done {
		zap.S().Debugf("Metrics of order %s already persisted", m.OrderID)
		return nil
	}

	if err := p.store.PersistFinalMetrics(ctx, m); err != nil {
		persistenceFailures.Inc()
		zap.S().Errorw("Failed to persist final metrics", "order", m.OrderID, "machine", m.MachineID, "error", err)
		return err
	}
	p.mu.Lock()
	p.persisted[m.OrderID] = struct{}{}
	p.mu.Unlock()
	ordersPersisted.Inc()
	zap.S().Infow("Persisted final metrics", "order", m.OrderID, "machine", m.MachineID, "oee", m.OEE, "classification", m.Classification)

	if p.opts.Archiver != nil {
		if err := p.opts.Archiver.Archive(ctx, m); err != nil {
			zap.S().Warnf("Failed to archive metrics of order %s: %v", m.OrderID, err)
		}
	}
	return nil
}

// Wait blocks until every queued broadcast is delivered.
func (p *Publisher) Wait() {
	for _, w := range p.workers {
		w.idle()
	}
}

// Close delivers the queued broadcasts and stops the workers. Later snapshots
// only reach the hub.
func (p *Publisher) Close() {
	for _, w := range p.workers {
		w.close()
	}
	p.wg.Wait()
}
