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

package reference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/internal"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

type fakeStore struct {
	mu          sync.Mutex
	calls       map[string]int
	failures    atomic.Int32
	failWith    error
	persistErrs []error
	downtimes   []datamodel.DowntimeInterval
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: map[string]int{}}
}

func (f *fakeStore) call(name string) error {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return f.failWith
	}
	return nil
}

func (f *fakeStore) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeStore) ListMachines(context.Context) ([]datamodel.Machine, error) {
	if err := f.call("ListMachines"); err != nil {
		return nil, err
	}
	return []datamodel.Machine{{ID: 1, Name: "Press"}, {ID: 2, Name: "Lathe"}}, nil
}

func (f *fakeStore) ResolveMachineID(_ context.Context, name string) (int, error) {
	if err := f.call("ResolveMachineID"); err != nil {
		return 0, err
	}
	if name == "ghost" {
		return 0, fmt.Errorf("%w: %s", postgresql.ErrMachineNotFound, name)
	}
	return 7, nil
}

func (f *fakeStore) GetActiveOrder(_ context.Context, machineID int) (datamodel.ProductionOrder, error) {
	if err := f.call("GetActiveOrder"); err != nil {
		return datamodel.ProductionOrder{}, err
	}
	if machineID == 99 {
		return datamodel.ProductionOrder{}, postgresql.ErrNoActiveOrder
	}
	return datamodel.ProductionOrder{ID: "o1", MachineID: machineID}, nil
}

func (f *fakeStore) GetReleasedOrder(_ context.Context, machineID int) (datamodel.ProductionOrder, error) {
	if err := f.call("GetReleasedOrder"); err != nil {
		return datamodel.ProductionOrder{}, err
	}
	return datamodel.ProductionOrder{ID: "o2", MachineID: machineID}, nil
}

func (f *fakeStore) GetDowntimeIntervals(_ context.Context, kind datamodel.DowntimeKind, machineID int, _ datamodel.Interval) ([]datamodel.DowntimeInterval, error) {
	if err := f.call("GetDowntimeIntervals"); err != nil {
		return nil, err
	}
	var out []datamodel.DowntimeInterval
	for _, d := range f.downtimes {
		if d.Kind == kind && d.MachineID == machineID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetShiftWindows(context.Context, int) ([]datamodel.ShiftWindow, error) {
	if err := f.call("GetShiftWindows"); err != nil {
		return nil, err
	}
	return []datamodel.ShiftWindow{{MachineID: 1, ShiftStart: 360, ShiftEnd: 840}}, nil
}

func (f *fakeStore) SetOrderActualStart(context.Context, string, time.Time) error {
	return f.call("SetOrderActualStart")
}

func (f *fakeStore) SetOrderActualEnd(context.Context, string, time.Time) error {
	return f.call("SetOrderActualEnd")
}

func (f *fakeStore) CreateDowntimeRecord(_ context.Context, d datamodel.DowntimeInterval) error {
	if err := f.call("CreateDowntimeRecord"); err != nil {
		return err
	}
	f.mu.Lock()
	f.downtimes = append(f.downtimes, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) PersistFinalMetrics(context.Context, datamodel.OEEMetrics) error {
	if err := f.call("PersistFinalMetrics"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.persistErrs) > 0 {
		err := f.persistErrs[0]
		f.persistErrs = f.persistErrs[1:]
		return err
	}
	return nil
}

func (f *fakeStore) GetFinalMetrics(_ context.Context, orderID string) (datamodel.OEEMetrics, error) {
	return datamodel.OEEMetrics{OrderID: orderID}, f.call("GetFinalMetrics")
}

func testOptions() Options {
	o := DefaultOptions()
	o.Backoff = internal.Backoff{Attempts: 3, SlotTime: time.Microsecond, Maximum: time.Millisecond}
	return o
}

var ctx = context.Background()

func TestResolveMachineIDCached(t *testing.T) {
	store := newFakeStore()
	a := New(store, testOptions())

	for _, name := range []string{"Press-01", "press-01", "PRESS-01"} {
		id, err := a.ResolveMachineID(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, 7, id)
	}
	assert.Equal(t, 1, store.count("ResolveMachineID"))

	_, err := a.ResolveMachineID(ctx, "ghost")
	assert.ErrorIs(t, err, postgresql.ErrMachineNotFound)
	assert.Equal(t, 2, store.count("ResolveMachineID"), "not found is not retried")
}

func TestListMachinesPrimesCache(t *testing.T) {
	store := newFakeStore()
	a := New(store, testOptions())

	machines, err := a.ListMachines(ctx)
	require.NoError(t, err)
	assert.Len(t, machines, 2)

	id, err := a.ResolveMachineID(ctx, "lathe")
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	assert.Zero(t, store.count("ResolveMachineID"))
}

func TestActiveOrderCachedAndInvalidated(t *testing.T) {
	store := newFakeStore()
	a := New(store, testOptions())

	for i := 0; i < 3; i++ {
		o, err := a.GetActiveOrder(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "o1", o.ID)
	}
	_, err := a.GetShiftWindows(ctx, 1)
	require.NoError(t, err)
	_, err = a.GetActiveOrder(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, store.count("GetActiveOrder"))

	require.NoError(t, a.SetOrderActualStart(ctx, 1, "o1", time.Now()))
	_, err = a.GetActiveOrder(ctx, 1)
	require.NoError(t, err)
	_, err = a.GetShiftWindows(ctx, 1)
	require.NoError(t, err)
	_, err = a.GetActiveOrder(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, 3, store.count("GetActiveOrder"), "only machine 1 was invalidated")
	assert.Equal(t, 2, store.count("GetShiftWindows"))
}

func TestNoActiveOrderNotCached(t *testing.T) {
	store := newFakeStore()
	a := New(store, testOptions())

	_, err := a.GetActiveOrder(ctx, 99)
	assert.ErrorIs(t, err, postgresql.ErrNoActiveOrder)
	_, err = a.GetActiveOrder(ctx, 99)
	assert.ErrorIs(t, err, postgresql.ErrNoActiveOrder)
	assert.Equal(t, 2, store.count("GetActiveOrder"))
}

func TestFetchRetried(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.New("connection reset")
	store.failures.Store(2)
	a := New(store, testOptions())

	_, err := a.GetShiftWindows(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, store.count("GetShiftWindows"))

	store.failures.Store(5)
	_, err = a.GetActiveOrder(ctx, 1)
	assert.ErrorIs(t, err, internal.ErrRetriesExhausted)
}

func TestCreateDowntimeInvalidatesIntervals(t *testing.T) {
	store := newFakeStore()
	a := New(store, testOptions())
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	window := datamodel.Interval{Start: start.Add(-time.Hour), End: start.Add(time.Hour)}

	stops, err := a.GetMicrostops(ctx, 1, window)
	require.NoError(t, err)
	assert.Empty(t, stops)

	d, err := datamodel.NewDowntimeInterval("x", 1, "o1", datamodel.DowntimeMicrostop, start, start.Add(90*time.Second), datamodel.ReasonUnclassified)
	require.NoError(t, err)
	require.NoError(t, a.CreateDowntimeRecord(ctx, d))

	stops, err = a.GetMicrostops(ctx, 1, window)
	require.NoError(t, err)
	assert.Equal(t, []datamodel.Interval{d.Interval()}, stops)
}

func TestPersistRetriesTransientOnly(t *testing.T) {
	store := newFakeStore()
	a := New(store, testOptions())

	store.persistErrs = []error{&pgconn.PgError{Code: "08006"}}
	require.NoError(t, a.PersistFinalMetrics(ctx, datamodel.OEEMetrics{OrderID: "o1", Terminal: true}))
	assert.Equal(t, 2, store.count("PersistFinalMetrics"))

	store.persistErrs = []error{&pgconn.PgError{Code: "23503"}}
	assert.Error(t, a.PersistFinalMetrics(ctx, datamodel.OEEMetrics{OrderID: "o1", Terminal: true}))
	assert.Equal(t, 3, store.count("PersistFinalMetrics"))
}
