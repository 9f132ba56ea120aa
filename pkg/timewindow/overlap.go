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

// Package timewindow reconciles a production order window against
// downtime, micro-stop and shift break intervals.
package timewindow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

var ErrInvalidWindow = errors.New("window end is not after window start")

// OverlapMinutes returns the length of the intersection of [aStart, aEnd) and [bStart, bEnd) in minutes.
func OverlapMinutes(aStart, aEnd, bStart, bEnd time.Time) float64 {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Minutes()
}

// ProjectTimeOfDayWindow places a time-of-day range on the calendar day of date,
// in date's location. An end at or before the start lands on the following day.
func ProjectTimeOfDayWindow(date time.Time, start, end datamodel.TimeOfDay) datamodel.Interval {
	y, m, d := date.Date()
	loc := date.Location()
	s := time.Date(y, m, d, start.Hour(), start.Minute(), 0, 0, loc)
	e := time.Date(y, m, d, end.Hour(), end.Minute(), 0, 0, loc)
	if !e.After(s) {
		e = time.Date(y, m, d+1, end.Hour(), end.Minute(), 0, 0, loc)
	}
	return datamodel.Interval{Start: s, End: e}
}

// OrderWindow resolves the window an order is attributed to: actual bounds win over planned ones.
func OrderWindow(order datamodel.ProductionOrder) (datamodel.Interval, error) {
	start := order.PlannedStart
	if order.ActualStart != nil {
		start = *order.ActualStart
	}
	end := order.PlannedEnd
	if order.ActualEnd != nil {
		end = *order.ActualEnd
	}
	if start.IsZero() || end.IsZero() {
		return datamodel.Interval{}, fmt.Errorf("%w: order %s", datamodel.ErrMissingTimeField, order.ID)
	}
	if !end.After(start) {
		return datamodel.Interval{}, fmt.Errorf("%w: order %s [%s, %s)", ErrInvalidWindow, order.ID,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return datamodel.Interval{Start: start, End: end}, nil
}

// clip intersects every interval with window and drops the empty ones.
func clip(intervals []datamodel.Interval, window datamodel.Interval) []datamodel.Interval {
	out := make([]datamodel.Interval, 0, len(intervals))
	for _, i := range intervals {
		if OverlapMinutes(i.Start, i.End, window.Start, window.End) <= 0 {
			continue
		}
		c := i
		if c.Start.Before(window.Start) {
			c.Start = window.Start
		}
		if c.End.After(window.End) {
			c.End = window.End
		}
		out = append(out, c)
	}
	return out
}

// merge unions overlapping or touching intervals.
func merge(intervals []datamodel.Interval) []datamodel.Interval {
	if len(intervals) < 2 {
		return intervals
	}
	sorted := make([]datamodel.Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []datamodel.Interval{sorted[0]}
	for _, i := range sorted[1:] {
		last := &out[len(out)-1]
		if !i.Start.After(last.End) {
			if i.End.After(last.End) {
				last.End = i.End
			}
			continue
		}
		out = append(out, i)
	}
	return out
}

// coveredMinutes returns the minutes of window covered by at least one interval.
func coveredMinutes(intervals []datamodel.Interval, window datamodel.Interval) float64 {
	var total float64
	for _, i := range merge(clip(intervals, window)) {
		total += i.Minutes()
	}
	return total
}
