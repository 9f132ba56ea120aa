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

package oee

import (
	"math"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/timewindow"
)

// takt is the result of one lifecycle formula set. All durations are minutes.
type takt struct {
	planned       float64
	actual        float64
	actualDefined bool
	remaining     float64
	expectedEnd   time.Time
}

// computation carries the inputs shared by every formula set.
type computation struct {
	resolver *timewindow.Resolver
	order    datamodel.ProductionOrder
	in       Input
}

type formulas interface {
	takt(c computation) takt
}

func lifecycleOf(order datamodel.ProductionOrder) (datamodel.Lifecycle, error) {
	switch {
	case order.ActualStart == nil && order.ActualEnd == nil:
		return datamodel.LifecycleNotStarted, nil
	case order.ActualStart != nil && order.ActualEnd == nil:
		return datamodel.LifecycleStarted, nil
	case order.ActualStart != nil && order.ActualEnd != nil:
		return datamodel.LifecycleEnded, nil
	}
	return "", datamodel.ErrMissingTimeField
}

func formulasFor(l datamodel.Lifecycle) formulas {
	switch l {
	case datamodel.LifecycleStarted:
		return started{}
	case datamodel.LifecycleEnded:
		return ended{}
	}
	return notStarted{}
}

// plannedTakt divides the runtime of the planning window by the planned quantity.
// Once the order is running, planning restarts at the actual start.
func (c computation) plannedTakt() float64 {
	window := datamodel.Interval{Start: c.order.PlannedStart, End: c.order.PlannedEnd}
	if c.order.ActualStart != nil && c.order.ActualStart.Before(c.order.PlannedEnd) {
		window.Start = *c.order.ActualStart
	}
	runtime := c.resolver.Resolve(c.order.MachineID, window, c.in.Collections).Runtime()
	return runtime / c.order.PlannedQuantity
}

func (c computation) operatingMinutes(start, end time.Time) float64 {
	return c.resolver.Resolve(c.order.MachineID, datamodel.Interval{Start: start, End: end}, c.in.Collections).Operating()
}

// remaining is the time still needed for the outstanding quantity.
func (c computation) remaining(t takt) float64 {
	perUnit := t.planned
	if t.actualDefined {
		perUnit = t.actual
	}
	return math.Max(0, c.order.PlannedQuantity-c.in.ActualQuantity) * perUnit
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

type notStarted struct{}

func (notStarted) takt(c computation) takt {
	t := takt{planned: c.plannedTakt()}
	t.actual = t.planned
	t.actualDefined = t.actual > 0
	t.remaining = c.order.PlannedQuantity * t.actual
	t.expectedEnd = c.order.PlannedStart.Add(minutes(t.remaining))
	return t
}

type started struct{}

func (started) takt(c computation) takt {
	t := takt{planned: c.plannedTakt()}
	if c.in.ActualQuantity > 0 {
		operating := c.operatingMinutes(*c.order.ActualStart, c.in.Now)
		if operating > 0 {
			t.actual = operating / c.in.ActualQuantity
			t.actualDefined = true
		}
	}
	t.remaining = c.remaining(t)
	t.expectedEnd = c.order.PlannedEnd
	return t
}

type ended struct{}

func (ended) takt(c computation) takt {
	t := takt{planned: c.plannedTakt()}
	operating := c.operatingMinutes(*c.order.ActualStart, *c.order.ActualEnd)
	if operating > 0 {
		t.actual = operating / c.order.PlannedQuantity
		t.actualDefined = true
	}
	t.remaining = c.remaining(t)
	t.expectedEnd = c.order.ActualEnd.Add(minutes(t.remaining))
	return t
}
