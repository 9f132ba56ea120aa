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

package commands

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"github.com/united-manufacturing-hub/umh-utils/logger"
)

type fakeRef struct {
	mu        sync.Mutex
	active    map[int]datamodel.ProductionOrder
	released  map[int]datamodel.ProductionOrder
	downtimes []datamodel.DowntimeInterval
	started   map[string]time.Time
	ended     map[string]time.Time
	createErr error
}

func newFakeRef() *fakeRef {
	return &fakeRef{
		active:   map[int]datamodel.ProductionOrder{},
		released: map[int]datamodel.ProductionOrder{},
		started:  map[string]time.Time{},
		ended:    map[string]time.Time{},
	}
}

func (f *fakeRef) GetActiveOrder(_ context.Context, machineID int) (datamodel.ProductionOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.active[machineID]
	if !ok {
		return o, postgresql.ErrNoActiveOrder
	}
	return o, nil
}

func (f *fakeRef) GetReleasedOrder(_ context.Context, machineID int) (datamodel.ProductionOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.released[machineID]
	if !ok {
		return o, postgresql.ErrNoReleasedOrder
	}
	return o, nil
}

func (f *fakeRef) SetOrderActualStart(_ context.Context, _ int, orderID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[orderID] = at
	return nil
}

func (f *fakeRef) SetOrderActualEnd(_ context.Context, _ int, orderID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[orderID] = at
	return nil
}

func (f *fakeRef) CreateDowntimeRecord(_ context.Context, d datamodel.DowntimeInterval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.downtimes = append(f.downtimes, d)
	return nil
}

type fakeEngine struct {
	recomputed []int
	finalized  []datamodel.ProductionOrder
}

func (f *fakeEngine) Recompute(_ context.Context, machineID int) error {
	f.recomputed = append(f.recomputed, machineID)
	return nil
}

func (f *fakeEngine) Finalize(_ context.Context, _ int, order datamodel.ProductionOrder) error {
	f.finalized = append(f.finalized, order)
	return nil
}

var (
	ctx = context.Background()
	t0  = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
)

func newTestMachine() (*StateMachine, *fakeRef, *fakeEngine) {
	_ = logger.New("DEVELOPMENT")
	ref := newFakeRef()
	ref.active[1] = datamodel.ProductionOrder{ID: "o1", MachineID: 1}
	eng := &fakeEngine{}
	return New(ref, eng, Options{HoldThreshold: 60 * time.Second, MicrostopMax: 5 * time.Minute}), ref, eng
}

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand(" Unhold ")
	require.NoError(t, err)
	assert.Equal(t, Unhold, c)
	_, err = ParseCommand("pause")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestHoldUnholdBelowThreshold(t *testing.T) {
	s, ref, eng := newTestMachine()

	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0))
	assert.Equal(t, StateHeld, s.State(1))
	require.NoError(t, s.Handle(ctx, 1, Unhold, 1, t0.Add(30*time.Second)))
	assert.Equal(t, StateRunning, s.State(1))

	assert.Empty(t, ref.downtimes)
	assert.Empty(t, eng.recomputed)
	_, held := s.Hold(1)
	assert.False(t, held)
}

func TestHoldUnholdAboveThreshold(t *testing.T) {
	s, ref, eng := newTestMachine()

	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0))
	hold, held := s.Hold(1)
	require.True(t, held)
	assert.Equal(t, "o1", hold.OrderID)

	// the order changes while held, the record keeps the one from hold time
	ref.active[1] = datamodel.ProductionOrder{ID: "o2", MachineID: 1}

	require.NoError(t, s.Handle(ctx, 1, Unhold, 1, t0.Add(90*time.Second)))
	require.Len(t, ref.downtimes, 1)
	d := ref.downtimes[0]
	assert.Equal(t, 90*time.Second, d.Duration)
	assert.Equal(t, t0, d.Start)
	assert.Equal(t, t0.Add(90*time.Second), d.End)
	assert.Equal(t, datamodel.DowntimeMicrostop, d.Kind)
	assert.Equal(t, datamodel.ReasonUnclassified, d.ReasonCode)
	assert.Equal(t, "o1", d.OrderID)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, []int{1}, eng.recomputed)
}

func TestLongStopIsUnplanned(t *testing.T) {
	s, ref, _ := newTestMachine()
	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0))
	require.NoError(t, s.Handle(ctx, 1, Unhold, 1, t0.Add(20*time.Minute)))
	require.Len(t, ref.downtimes, 1)
	assert.Equal(t, datamodel.DowntimeUnplanned, ref.downtimes[0].Kind)
}

func TestUnholdWithoutHold(t *testing.T) {
	s, ref, eng := newTestMachine()
	assert.NoError(t, s.Handle(ctx, 1, Unhold, 1, t0))
	assert.Equal(t, StateRunning, s.State(1))
	assert.Empty(t, ref.downtimes)
	assert.Empty(t, eng.recomputed)
}

func TestSecondHoldIsNoop(t *testing.T) {
	s, ref, _ := newTestMachine()
	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0))
	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0.Add(10*time.Minute)))

	hold, _ := s.Hold(1)
	assert.Equal(t, t0, hold.Start)

	require.NoError(t, s.Handle(ctx, 1, Unhold, 1, t0.Add(2*time.Minute)))
	require.Len(t, ref.downtimes, 1)
	assert.Equal(t, 2*time.Minute, ref.downtimes[0].Duration)
}

func TestValueOtherThanOneIsNoop(t *testing.T) {
	s, _, _ := newTestMachine()
	require.NoError(t, s.Handle(ctx, 1, Hold, 0, t0))
	assert.Equal(t, StateRunning, s.State(1))
	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0))
	require.NoError(t, s.Handle(ctx, 1, Unhold, 2, t0.Add(time.Hour)))
	assert.Equal(t, StateHeld, s.State(1))
}

func TestMachinesAreIndependent(t *testing.T) {
	s, ref, _ := newTestMachine()
	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0))
	require.NoError(t, s.Handle(ctx, 2, Unhold, 1, t0.Add(time.Hour)))
	assert.Equal(t, StateHeld, s.State(1))
	assert.Equal(t, StateRunning, s.State(2))
	assert.Empty(t, ref.downtimes)
}

func TestHoldWithoutOrder(t *testing.T) {
	s, ref, _ := newTestMachine()
	require.NoError(t, s.Handle(ctx, 5, Hold, 1, t0))
	require.NoError(t, s.Handle(ctx, 5, Unhold, 1, t0.Add(2*time.Minute)))
	require.Len(t, ref.downtimes, 1)
	assert.Empty(t, ref.downtimes[0].OrderID)
}

func TestRecordFailureClearsHold(t *testing.T) {
	s, ref, eng := newTestMachine()
	ref.createErr = errors.New("db down")
	require.NoError(t, s.Handle(ctx, 1, Hold, 1, t0))
	assert.Error(t, s.Handle(ctx, 1, Unhold, 1, t0.Add(2*time.Minute)))
	assert.Equal(t, StateRunning, s.State(1))
	_, held := s.Hold(1)
	assert.False(t, held)
	assert.Empty(t, eng.recomputed)
}

func TestStartOrder(t *testing.T) {
	s, ref, eng := newTestMachine()

	// no released order: warning only
	assert.NoError(t, s.Handle(ctx, 1, Start, 1, t0))
	assert.Empty(t, ref.started)

	ref.released[1] = datamodel.ProductionOrder{ID: "o3", MachineID: 1, Status: datamodel.OrderReleased}
	require.NoError(t, s.Handle(ctx, 1, Start, 1, t0))
	assert.Equal(t, t0, ref.started["o3"])
	assert.Equal(t, []int{1}, eng.recomputed)
}

func TestEndOrder(t *testing.T) {
	s, ref, eng := newTestMachine()

	// not started yet
	assert.ErrorIs(t, s.Handle(ctx, 1, End, 1, t0), datamodel.ErrOrderNotStarted)

	started := t0.Add(-time.Hour)
	ref.active[1] = datamodel.ProductionOrder{ID: "o1", MachineID: 1, ActualStart: &started, Status: datamodel.OrderInProgress}
	require.NoError(t, s.Handle(ctx, 1, End, 1, t0))
	assert.Equal(t, t0, ref.ended["o1"])
	require.Len(t, eng.finalized, 1)
	assert.True(t, eng.finalized[0].Terminal())
	assert.Equal(t, t0, *eng.finalized[0].ActualEnd)

	// no active order
	assert.ErrorIs(t, s.Handle(ctx, 9, End, 1, t0), postgresql.ErrNoActiveOrder)
}

func TestStartIgnoredWhileOrderInProgress(t *testing.T) {
	s, ref, eng := newTestMachine()
	started := t0.Add(-time.Hour)
	ref.active[1] = datamodel.ProductionOrder{ID: "o1", MachineID: 1, ActualStart: &started, Status: datamodel.OrderInProgress}
	ref.released[1] = datamodel.ProductionOrder{ID: "o3", MachineID: 1, Status: datamodel.OrderReleased}

	require.NoError(t, s.Handle(ctx, 1, Start, 1, t0))
	assert.Empty(t, ref.started)
	assert.Empty(t, eng.recomputed)
}
