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
	"fmt"
	"time"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (i Interval) Minutes() float64 {
	if !i.End.After(i.Start) {
		return 0
	}
	return i.End.Sub(i.Start).Minutes()
}

func (i Interval) Empty() bool {
	return !i.End.After(i.Start)
}

// In returns the interval with both bounds expressed in loc.
func (i Interval) In(loc *time.Location) Interval {
	return Interval{Start: i.Start.In(loc), End: i.End.In(loc)}
}

type DowntimeKind string

const (
	DowntimePlanned   DowntimeKind = "planned"
	DowntimeUnplanned DowntimeKind = "unplanned"
	DowntimeMicrostop DowntimeKind = "microstop"
)

func (k DowntimeKind) Valid() bool {
	switch k {
	case DowntimePlanned, DowntimeUnplanned, DowntimeMicrostop:
		return true
	}
	return false
}

// ReasonUnclassified marks a downtime that still waits for an operator to assign a reason.
const ReasonUnclassified = "UNCLASSIFIED"

type DowntimeInterval struct {
	ID         string        `json:"id"`
	MachineID  int           `json:"machineId"`
	OrderID    string        `json:"orderId,omitempty"`
	Kind       DowntimeKind  `json:"kind"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	ReasonCode string        `json:"reasonCode"`
	Duration   time.Duration `json:"duration"`
}

// NewDowntimeInterval builds a downtime record and derives its duration.
func NewDowntimeInterval(id string, machineID int, orderID string, kind DowntimeKind, start, end time.Time, reason string) (DowntimeInterval, error) {
	if end.Before(start) {
		return DowntimeInterval{}, fmt.Errorf("%w: downtime %s [%s, %s)", ErrIntervalEndBefore, id,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if !kind.Valid() {
		return DowntimeInterval{}, fmt.Errorf("unknown downtime kind %q", kind)
	}
	return DowntimeInterval{
		ID:         id,
		MachineID:  machineID,
		OrderID:    orderID,
		Kind:       kind,
		Start:      start,
		End:        end,
		ReasonCode: reason,
		Duration:   end.Sub(start),
	}, nil
}

func (d DowntimeInterval) Interval() Interval {
	return Interval{Start: d.Start, End: d.End}
}

// Intervals strips the downtime records down to their time ranges.
func Intervals(downtimes []DowntimeInterval) []Interval {
	out := make([]Interval, 0, len(downtimes))
	for _, d := range downtimes {
		out = append(out, d.Interval())
	}
	return out
}
