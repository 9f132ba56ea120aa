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

// Package reference gives the computation cached access to machines, orders,
// downtimes and shifts.
package reference

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/coocood/freecache"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/internal"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oee_calculator_reference_cache_hits_total",
		Help: "Reference data served from cache",
	}, []string{"kind"})
	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oee_calculator_reference_cache_misses_total",
		Help: "Reference data fetched from the store",
	}, []string{"kind"})
)

// Store is the relational backend, implemented by *postgresql.Connection.
type Store interface {
	ListMachines(ctx context.Context) ([]datamodel.Machine, error)
	ResolveMachineID(ctx context.Context, name string) (int, error)
	GetActiveOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error)
	GetReleasedOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error)
	GetDowntimeIntervals(ctx context.Context, kind datamodel.DowntimeKind, machineID int, window datamodel.Interval) ([]datamodel.DowntimeInterval, error)
	GetShiftWindows(ctx context.Context, machineID int) ([]datamodel.ShiftWindow, error)
	SetOrderActualStart(ctx context.Context, orderID string, at time.Time) error
	SetOrderActualEnd(ctx context.Context, orderID string, at time.Time) error
	CreateDowntimeRecord(ctx context.Context, d datamodel.DowntimeInterval) error
	PersistFinalMetrics(ctx context.Context, m datamodel.OEEMetrics) error
	GetFinalMetrics(ctx context.Context, orderID string) (datamodel.OEEMetrics, error)
}

type Options struct {
	TTL              time.Duration
	MachineCacheSize int
	Backoff          internal.Backoff
}

func DefaultOptions() Options {
	return Options{
		TTL:              30 * time.Second,
		MachineCacheSize: 1024 * 1024,
		Backoff: internal.Backoff{
			Attempts: 3,
			SlotTime: 50 * time.Millisecond,
			Maximum:  2 * time.Second,
		},
	}
}

// Accessor caches reads per machine. Entries of one machine are only
// invalidated by that machine's processing path.
type Accessor struct {
	store    Store
	opts     Options
	machines *freecache.Cache
	memcache *cache.Cache
	mutex    *mapmutex.Mutex
}

func New(store Store, opts Options) *Accessor {
	if opts.MachineCacheSize < 512*1024 {
		// freecache minimum
		opts.MachineCacheSize = 512 * 1024
	}
	return &Accessor{
		store:    store,
		opts:     opts,
		machines: freecache.NewCache(opts.MachineCacheSize),
		memcache: cache.New(opts.TTL, 2*opts.TTL),
		// default configs: maxDelay: 100000000 (0.1 second), baseDelay: 10 (10 nanosecond)
		mutex: mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
	}
}

func machinePrefix(machineID int) string {
	return fmt.Sprintf("m%d:", machineID)
}

// Invalidate drops every cached entry of the machine.
func (a *Accessor) Invalidate(machineID int) {
	prefix := machinePrefix(machineID)
	for key := range a.memcache.Items() {
		if strings.HasPrefix(key, prefix) {
			a.memcache.Delete(key)
		}
	}
}

// notFound errors are final and never retried.
func notFound(err error) bool {
	return errors.Is(err, postgresql.ErrMachineNotFound) ||
		errors.Is(err, postgresql.ErrNoActiveOrder) ||
		errors.Is(err, postgresql.ErrNoReleasedOrder) ||
		errors.Is(err, postgresql.ErrMetricsNotFound)
}

func retryable(err error) bool {
	return !notFound(err) && !errors.Is(err, context.Canceled)
}

// cached serves key from the memcache or fetches it once, with bounded retry.
func cached[T any](ctx context.Context, a *Accessor, kind string, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := a.memcache.Get(key); ok {
		cacheHits.WithLabelValues(kind).Inc()
		return v.(T), nil
	}

	if a.mutex.TryLock(key) {
		defer a.mutex.Unlock(key)
		// someone else may have filled it while we waited
		if v, ok := a.memcache.Get(key); ok {
			cacheHits.WithLabelValues(kind).Inc()
			return v.(T), nil
		}
	} else {
		zap.S().Debugf("Could not lock %s, fetching without lock", key)
	}
	cacheMisses.WithLabelValues(kind).Inc()

	var result T
	err := internal.Retry(ctx, a.opts.Backoff, kind, func() error {
		var errF error
		result, errF = fetch(ctx)
		return errF
	}, retryable)
	if err != nil {
		return result, err
	}
	a.memcache.SetDefault(key, result)
	return result, nil
}

func (a *Accessor) ListMachines(ctx context.Context) ([]datamodel.Machine, error) {
	var machines []datamodel.Machine
	err := internal.Retry(ctx, a.opts.Backoff, "list machines", func() error {
		var err error
		machines, err = a.store.ListMachines(ctx)
		return err
	}, retryable)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		a.storeMachineID(m.Name, m.ID)
	}
	return machines, nil
}

// ResolveMachineID matches name case-insensitively. Resolved ids are kept until evicted.
func (a *Accessor) ResolveMachineID(ctx context.Context, name string) (int, error) {
	key := internal.AsXXHash([]byte(strings.ToLower(name)))
	if raw, err := a.machines.Get(key); err == nil && len(raw) == 8 {
		cacheHits.WithLabelValues("machine").Inc()
		return int(binary.LittleEndian.Uint64(raw)), nil
	}
	cacheMisses.WithLabelValues("machine").Inc()

	var id int
	err := internal.Retry(ctx, a.opts.Backoff, "resolve machine", func() error {
		var err error
		id, err = a.store.ResolveMachineID(ctx, name)
		return err
	}, retryable)
	if err != nil {
		return 0, err
	}
	a.storeMachineID(name, id)
	return id, nil
}

func (a *Accessor) storeMachineID(name string, id int) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(id))
	if err := a.machines.Set(internal.AsXXHash([]byte(strings.ToLower(name))), raw, 0); err != nil {
		zap.S().Warnf("Failed to cache machine %s: %v", name, err)
	}
}

func (a *Accessor) GetActiveOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error) {
	return cached(ctx, a, "active_order", machinePrefix(machineID)+"active", func(ctx context.Context) (datamodel.ProductionOrder, error) {
		return a.store.GetActiveOrder(ctx, machineID)
	})
}

// GetReleasedOrder is only used on order start and is never cached.
func (a *Accessor) GetReleasedOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error) {
	var order datamodel.ProductionOrder
	err := internal.Retry(ctx, a.opts.Backoff, "released order", func() error {
		var err error
		order, err = a.store.GetReleasedOrder(ctx, machineID)
		return err
	}, retryable)
	return order, err
}

func (a *Accessor) GetDowntimeIntervals(ctx context.Context, kind datamodel.DowntimeKind, machineID int, window datamodel.Interval) ([]datamodel.DowntimeInterval, error) {
	key := fmt.Sprintf("%sdowntime:%s:%d:%d", machinePrefix(machineID), kind, window.Start.Unix(), window.End.Unix())
	return cached(ctx, a, "downtime", key, func(ctx context.Context) ([]datamodel.DowntimeInterval, error) {
		return a.store.GetDowntimeIntervals(ctx, kind, machineID, window)
	})
}

func (a *Accessor) GetMicrostops(ctx context.Context, machineID int, window datamodel.Interval) ([]datamodel.Interval, error) {
	stops, err := a.GetDowntimeIntervals(ctx, datamodel.DowntimeMicrostop, machineID, window)
	if err != nil {
		return nil, err
	}
	return datamodel.Intervals(stops), nil
}

func (a *Accessor) GetShiftWindows(ctx context.Context, machineID int) ([]datamodel.ShiftWindow, error) {
	return cached(ctx, a, "shift", machinePrefix(machineID)+"shifts", func(ctx context.Context) ([]datamodel.ShiftWindow, error) {
		return a.store.GetShiftWindows(ctx, machineID)
	})
}

// The mutations below invalidate the machine's cache entries on success.

func (a *Accessor) SetOrderActualStart(ctx context.Context, machineID int, orderID string, at time.Time) error {
	err := a.store.SetOrderActualStart(ctx, orderID, at)
	a.Invalidate(machineID)
	return err
}

func (a *Accessor) SetOrderActualEnd(ctx context.Context, machineID int, orderID string, at time.Time) error {
	err := a.store.SetOrderActualEnd(ctx, orderID, at)
	a.Invalidate(machineID)
	return err
}

func (a *Accessor) CreateDowntimeRecord(ctx context.Context, d datamodel.DowntimeInterval) error {
	err := internal.Retry(ctx, a.opts.Backoff, "create downtime", func() error {
		return a.store.CreateDowntimeRecord(ctx, d)
	}, postgresql.Transient)
	a.Invalidate(d.MachineID)
	return err
}

func (a *Accessor) PersistFinalMetrics(ctx context.Context, m datamodel.OEEMetrics) error {
	return internal.Retry(ctx, a.opts.Backoff, "persist metrics", func() error {
		return a.store.PersistFinalMetrics(ctx, m)
	}, postgresql.Transient)
}

func (a *Accessor) GetFinalMetrics(ctx context.Context, orderID string) (datamodel.OEEMetrics, error) {
	return a.store.GetFinalMetrics(ctx, orderID)
}
