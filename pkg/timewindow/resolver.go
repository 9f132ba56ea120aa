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

package timewindow

import (
	"math"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

// Collections are the interval sets of one machine that are reconciled against an order window.
type Collections struct {
	PlannedDowntime   []datamodel.Interval
	UnplannedDowntime []datamodel.Interval
	Microstops        []datamodel.Interval
	Shifts            []datamodel.ShiftWindow
}

// Totals are overlap minutes per category for one window.
// Overlapping intervals of the same category are only counted once.
type Totals struct {
	Window            float64
	PlannedDowntime   float64
	UnplannedDowntime float64
	Microstops        float64
	Breaks            float64
	// Scheduled is the union of planned downtime and breaks.
	Scheduled float64
}

// Runtime is the window minus planned downtime and breaks.
func (t Totals) Runtime() float64 {
	return math.Max(0, t.Window-t.Scheduled)
}

// Operating is the runtime minus unplanned downtime.
func (t Totals) Operating() float64 {
	return math.Max(0, t.Runtime()-t.UnplannedDowntime)
}

type Resolver struct {
	loc *time.Location
}

// NewResolver returns a resolver projecting shift times in loc. A nil loc means UTC.
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{loc: loc}
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Breaks returns the projected breaks of machineID touching window.
func (r *Resolver) Breaks(machineID int, window datamodel.Interval, shifts []datamodel.ShiftWindow) []datamodel.Interval {
	return BreakIntervals(machineID, window.In(r.loc), shifts)
}

// Resolve computes the per-category overlap totals of window.
func (r *Resolver) Resolve(machineID int, window datamodel.Interval, c Collections) Totals {
	if window.Empty() {
		return Totals{}
	}
	breaks := r.Breaks(machineID, window, c.Shifts)

	scheduled := make([]datamodel.Interval, 0, len(c.PlannedDowntime)+len(breaks))
	scheduled = append(scheduled, c.PlannedDowntime...)
	scheduled = append(scheduled, breaks...)

	return Totals{
		Window:            window.Minutes(),
		PlannedDowntime:   coveredMinutes(c.PlannedDowntime, window),
		UnplannedDowntime: coveredMinutes(c.UnplannedDowntime, window),
		Microstops:        coveredMinutes(c.Microstops, window),
		Breaks:            coveredMinutes(breaks, window),
		Scheduled:         coveredMinutes(scheduled, window),
	}
}

// Hourly splits window into hour buckets from the start rounded down to the hour
// through the end rounded up to the hour. Production minutes of a bucket are the
// bucket minutes inside the window minus all category overlaps, kept within [0, 60].
func (r *Resolver) Hourly(machineID int, window datamodel.Interval, c Collections) []datamodel.HourBucket {
	if window.Empty() {
		return nil
	}
	window = window.In(r.loc)
	breaks := BreakIntervals(machineID, window, c.Shifts)

	first := floorHour(window.Start)
	last := ceilHour(window.End)

	buckets := make([]datamodel.HourBucket, 0, int(last.Sub(first).Hours())+1)
	seen := make(map[int64]struct{})
	for b := first; b.Before(last); b = b.Add(time.Hour) {
		key := floorHour(b)
		if _, ok := seen[key.Unix()]; ok {
			zap.S().Warnf("Skipping duplicate hour bucket %s for machine %d", key.Format(time.RFC3339), machineID)
			continue
		}
		seen[key.Unix()] = struct{}{}

		bucket := datamodel.Interval{Start: b, End: b.Add(time.Hour)}
		inside := clip([]datamodel.Interval{bucket}, window)
		if len(inside) == 0 {
			continue
		}
		span := inside[0]

		hb := datamodel.HourBucket{
			Start:                    key,
			PlannedDowntimeMinutes:   coveredMinutes(c.PlannedDowntime, span),
			UnplannedDowntimeMinutes: coveredMinutes(c.UnplannedDowntime, span),
			MicrostopMinutes:         coveredMinutes(c.Microstops, span),
			BreakMinutes:             coveredMinutes(breaks, span),
		}
		lost := hb.PlannedDowntimeMinutes + hb.UnplannedDowntimeMinutes + hb.MicrostopMinutes + hb.BreakMinutes
		hb.ProductionMinutes = math.Min(60, math.Max(0, span.Minutes()-lost))
		buckets = append(buckets, hb)
	}
	return buckets
}

func floorHour(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
}

func ceilHour(t time.Time) time.Time {
	f := floorHour(t)
	if f.Equal(t) {
		return f
	}
	return f.Add(time.Hour)
}
