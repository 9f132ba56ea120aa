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

// Package commands tracks hold/unhold and order start/end per machine.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

const (
	StateRunning = "running"
	StateHeld    = "held"

	eventHold   = "hold"
	eventUnhold = "unhold"
)

type Command string

const (
	Hold   Command = "hold"
	Unhold Command = "unhold"
	Start  Command = "start"
	End    Command = "end"
)

var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand matches the command name case-insensitively.
func ParseCommand(name string) (Command, error) {
	c := Command(strings.ToLower(strings.TrimSpace(name)))
	switch c {
	case Hold, Unhold, Start, End:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

var commandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oee_calculator_commands_total",
	Help: "Commands processed by command and outcome",
}, []string{"command", "outcome"})

// Reference is the order and downtime access the state machine needs.
type Reference interface {
	GetActiveOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error)
	GetReleasedOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error)
	SetOrderActualStart(ctx context.Context, machineID int, orderID string, at time.Time) error
	SetOrderActualEnd(ctx context.Context, machineID int, orderID string, at time.Time) error
	CreateDowntimeRecord(ctx context.Context, d datamodel.DowntimeInterval) error
}

// Engine recomputes a machine after its state changed and finalises ended orders.
type Engine interface {
	Recompute(ctx context.Context, machineID int) error
	Finalize(ctx context.Context, machineID int, order datamodel.ProductionOrder) error
}

// HoldState is the open hold of one machine.
type HoldState struct {
	Start   time.Time
	OrderID string
}

type Options struct {
	// HoldThreshold is the idle time an unhold must exceed to record a stop.
	HoldThreshold time.Duration
	// MicrostopMax is the longest stop still recorded as a micro-stop.
	MicrostopMax time.Duration
}

type machine struct {
	fsm  *fsm.FSM
	hold *HoldState
}

// StateMachine must only be called from the owning machine's processing path,
// calls for different machines may run concurrently.
type StateMachine struct {
	ref    Reference
	engine Engine
	opts   Options

	mu       sync.Mutex
	machines map[int]*machine
}

func New(ref Reference, engine Engine, opts Options) *StateMachine {
	return &StateMachine{
		ref:      ref,
		engine:   engine,
		opts:     opts,
		machines: make(map[int]*machine),
	}
}

func (s *StateMachine) machine(machineID int) *machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		m = &machine{
			fsm: fsm.NewFSM(
				StateRunning,
				fsm.Events{
					{Name: eventHold, Src: []string{StateRunning}, Dst: StateHeld},
					{Name: eventUnhold, Src: []string{StateHeld}, Dst: StateRunning},
				},
				fsm.Callbacks{
					"enter_state": func(_ context.Context, e *fsm.Event) {
						zap.S().Debugf("Machine %d: %s -> %s", machineID, e.Src, e.Dst)
					},
				},
			),
		}
		s.machines[machineID] = m
	}
	return m
}

// State returns the current state of the machine.
func (s *StateMachine) State(machineID int) string {
	return s.machine(machineID).fsm.Current()
}

// Hold returns the open hold of the machine, if any.
func (s *StateMachine) Hold(machineID int) (HoldState, bool) {
	m := s.machine(machineID)
	if m.hold == nil {
		return HoldState{}, false
	}
	return *m.hold, true
}

// Handle applies one command. Errors are meant to be logged by the caller, commands are never retried.
func (s *StateMachine) Handle(ctx context.Context, machineID int, cmd Command, value float64, at time.Time) error {
	var err error
	switch cmd {
	case Hold:
		err = s.hold(ctx, machineID, value, at)
	case Unhold:
		err = s.unhold(ctx, machineID, value, at)
	case Start:
		err = s.start(ctx, machineID, at)
	case End:
		err = s.end(ctx, machineID, at)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	commandsProcessed.WithLabelValues(string(cmd), outcome).Inc()
	return err
}

func (s *StateMachine) hold(ctx context.Context, machineID int, value float64, at time.Time) error {
	if value != 1 {
		return nil
	}
	m := s.machine(machineID)
	if err := m.fsm.Event(ctx, eventHold); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			zap.S().Infof("Machine %d is already held, ignoring hold", machineID)
			return nil
		}
		return err
	}

	state := HoldState{Start: at}
	order, err := s.ref.GetActiveOrder(ctx, machineID)
	if err == nil {
		state.OrderID = order.ID
	} else {
		zap.S().Warnf("Machine %d held without resolvable order: %v", machineID, err)
	}
	m.hold = &state
	return nil
}

func (s *StateMachine) unhold(ctx context.Context, machineID int, value float64, at time.Time) error {
	if value != 1 {
		return nil
	}
	m := s.machine(machineID)
	if err := m.fsm.Event(ctx, eventUnhold); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			zap.S().Debugf("Machine %d is not held, ignoring unhold", machineID)
			return nil
		}
		return err
	}
	hold := m.hold
	m.hold = nil
	if hold == nil {
		return nil
	}

	idle := at.Sub(hold.Start)
	if idle <= s.opts.HoldThreshold {
		zap.S().Debugf("Machine %d was held for %s, below threshold %s", machineID, idle, s.opts.HoldThreshold)
		return nil
	}

	kind := datamodel.DowntimeUnplanned
	if idle <= s.opts.MicrostopMax {
		kind = datamodel.DowntimeMicrostop
	}
	d, err := datamodel.NewDowntimeInterval(uuid.NewString(), machineID, hold.OrderID, kind, hold.Start, at, datamodel.ReasonUnclassified)
	if err != nil {
		return err
	}
	if err = s.ref.CreateDowntimeRecord(ctx, d); err != nil {
		return fmt.Errorf("recording %s stop of machine %d: %w", kind, machineID, err)
	}
	zap.S().Infow("Recorded stop", "machine", machineID, "order", hold.OrderID, "kind", kind, "duration", d.Duration)
	return s.engine.Recompute(ctx, machineID)
}

func (s *StateMachine) start(ctx context.Context, machineID int, at time.Time) error {
	running, err := s.ref.GetActiveOrder(ctx, machineID)
	switch {
	case err == nil && running.Status == datamodel.OrderInProgress:
		zap.S().Warnf("Ignoring start on machine %d, order %s is already in progress", machineID, running.ID)
		return nil
	case err != nil && !errors.Is(err, postgresql.ErrNoActiveOrder):
		return err
	}

	order, err := s.ref.GetReleasedOrder(ctx, machineID)
	if errors.Is(err, postgresql.ErrNoReleasedOrder) {
		zap.S().Warnf("Start on machine %d without released order", machineID)
		return nil
	}
	if err != nil {
		return err
	}
	if err = order.Start(at); err != nil {
		zap.S().Warnf("Cannot start order %s on machine %d: %v", order.ID, machineID, err)
		return nil
	}
	if err = s.ref.SetOrderActualStart(ctx, machineID, order.ID, at); err != nil {
		return err
	}
	zap.S().Infof("Started order %s on machine %d", order.ID, machineID)
	return s.engine.Recompute(ctx, machineID)
}

func (s *StateMachine) end(ctx context.Context, machineID int, at time.Time) error {
	order, err := s.ref.GetActiveOrder(ctx, machineID)
	if err != nil {
		return err
	}
	if err = order.End(at); err != nil {
		return err
	}
	if err = s.ref.SetOrderActualEnd(ctx, machineID, order.ID, at); err != nil {
		return err
	}
	zap.S().Infof("Ended order %s on machine %d", order.ID, machineID)
	return s.engine.Finalize(ctx, machineID, order)
}
