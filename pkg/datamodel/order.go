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

package datamodel

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderTerminal     = errors.New("production order is terminal")
	ErrOrderNotStarted   = errors.New("production order has not been started")
	ErrOrderStarted      = errors.New("production order has already been started")
	ErrInvalidOrder      = errors.New("invalid production order")
	ErrMissingTimeField  = errors.New("missing required time field")
	ErrIntervalEndBefore = errors.New("interval ends before it starts")
)

type OrderStatus string

const (
	OrderPlanned    OrderStatus = "planned"
	OrderReleased   OrderStatus = "released"
	OrderInProgress OrderStatus = "in_progress"
	OrderCompleted  OrderStatus = "completed"
)

// ProductionOrder is planned externally and only mutated through Start and End.
type ProductionOrder struct {
	ID                  string      `json:"id"`
	MaterialID          string      `json:"materialId"`
	MaterialDescription string      `json:"materialDescription"`
	MachineID           int         `json:"machineId"`
	PlannedStart        time.Time   `json:"plannedStart"`
	PlannedEnd          time.Time   `json:"plannedEnd"`
	ActualStart         *time.Time  `json:"actualStart,omitempty"`
	ActualEnd           *time.Time  `json:"actualEnd,omitempty"`
	PlannedQuantity     float64     `json:"plannedQuantity"`
	ConfirmedQuantity   float64     `json:"confirmedQuantity"`
	ConfirmedYield      float64     `json:"confirmedYield"`
	SetupMinutes        float64     `json:"setupMinutes"`
	ProcessingMinutes   float64     `json:"processingMinutes"`
	TeardownMinutes     float64     `json:"teardownMinutes"`
	Status              OrderStatus `json:"status"`
}

// Validate checks the planning invariants of the order.
func (o *ProductionOrder) Validate() error {
	if o.PlannedStart.IsZero() || o.PlannedEnd.IsZero() {
		return fmt.Errorf("%w: order %s has no planned start or end", ErrMissingTimeField, o.ID)
	}
	if !o.PlannedEnd.After(o.PlannedStart) {
		return fmt.Errorf("%w: order %s planned end %s is not after planned start %s",
			ErrInvalidOrder, o.ID, o.PlannedEnd.Format(time.RFC3339), o.PlannedStart.Format(time.RFC3339))
	}
	if o.ActualEnd != nil && o.ActualStart == nil {
		return fmt.Errorf("%w: order %s has an actual end but no actual start", ErrMissingTimeField, o.ID)
	}
	return nil
}

// Terminal reports whether the order has ended.
func (o *ProductionOrder) Terminal() bool {
	return o.ActualEnd != nil || o.Status == OrderCompleted
}

// Start sets the actual start of the order.
func (o *ProductionOrder) Start(at time.Time) error {
	if o.Terminal() {
		return fmt.Errorf("%w: %s", ErrOrderTerminal, o.ID)
	}
	if o.ActualStart != nil {
		return fmt.Errorf("%w: %s", ErrOrderStarted, o.ID)
	}
	o.ActualStart = &at
	o.Status = OrderInProgress
	return nil
}

// End sets the actual end of the order and marks it completed.
func (o *ProductionOrder) End(at time.Time) error {
	if o.Terminal() {
		return fmt.Errorf("%w: %s", ErrOrderTerminal, o.ID)
	}
	if o.ActualStart == nil {
		return fmt.Errorf("%w: %s", ErrOrderNotStarted, o.ID)
	}
	if at.Before(*o.ActualStart) {
		return fmt.Errorf("%w: order %s would end before it started", ErrIntervalEndBefore, o.ID)
	}
	o.ActualEnd = &at
	o.Status = OrderCompleted
	return nil
}
