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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

func TestResolveTotals(t *testing.T) {
	r := NewResolver(time.UTC)
	window := datamodel.Interval{Start: at(8, 0), End: at(16, 0)}

	c := Collections{
		PlannedDowntime: []datamodel.Interval{
			{Start: at(7, 30), End: at(8, 30)},
			{Start: at(8, 15), End: at(8, 45)},
		},
		UnplannedDowntime: []datamodel.Interval{
			{Start: at(11, 0), End: at(11, 20)},
			{Start: at(17, 0), End: at(18, 0)},
		},
		Microstops: []datamodel.Interval{
			{Start: at(13, 0), End: at(13, 2)},
		},
		Shifts: []datamodel.ShiftWindow{
			{MachineID: 1, ShiftStart: 6 * 60, ShiftEnd: 14 * 60, BreakStart: 12 * 60, BreakEnd: 12*60 + 30},
			{MachineID: 2, ShiftStart: 6 * 60, ShiftEnd: 14 * 60, BreakStart: 10 * 60, BreakEnd: 11 * 60},
		},
	}

	totals := r.Resolve(1, window, c)
	assert.InDelta(t, 480, totals.Window, 1e-9)
	assert.InDelta(t, 45, totals.PlannedDowntime, 1e-9)
	assert.InDelta(t, 20, totals.UnplannedDowntime, 1e-9)
	assert.InDelta(t, 2, totals.Microstops, 1e-9)
	assert.InDelta(t, 30, totals.Breaks, 1e-9)
	assert.InDelta(t, 480-45-30, totals.Runtime(), 1e-9)
	assert.InDelta(t, 480-45-30-20, totals.Operating(), 1e-9)
}

func TestResolveOutsideWindowIsZero(t *testing.T) {
	r := NewResolver(time.UTC)
	window := datamodel.Interval{Start: at(8, 0), End: at(16, 0)}
	outside := []datamodel.Interval{{Start: at(0, 0), End: at(7, 59)}, {Start: at(16, 0), End: at(23, 0)}}

	totals := r.Resolve(1, window, Collections{
		PlannedDowntime:   outside,
		UnplannedDowntime: outside,
		Microstops:        outside,
	})
	assert.Zero(t, totals.PlannedDowntime)
	assert.Zero(t, totals.UnplannedDowntime)
	assert.Zero(t, totals.Microstops)
	assert.Zero(t, totals.Breaks)
	assert.InDelta(t, 480, totals.Runtime(), 1e-9)
}

func TestResolveCategoryNeverExceedsWindow(t *testing.T) {
	r := NewResolver(time.UTC)
	window := datamodel.Interval{Start: at(8, 0), End: at(9, 0)}
	dup := datamodel.Interval{Start: at(7, 0), End: at(10, 0)}

	totals := r.Resolve(1, window, Collections{UnplannedDowntime: []datamodel.Interval{dup, dup, dup}})
	assert.InDelta(t, 60, totals.UnplannedDowntime, 1e-9)
	assert.Zero(t, totals.Operating())
}

func TestBreakAcrossMidnight(t *testing.T) {
	// Night shift 21:00-05:00, break 22:00-22:30, order window 21:00 to 03:00 the next day.
	shifts := []datamodel.ShiftWindow{
		{MachineID: 7, ShiftStart: 21 * 60, ShiftEnd: 5 * 60, BreakStart: 22 * 60, BreakEnd: 22*60 + 30},
	}
	window := datamodel.Interval{Start: at(21, 0), End: at(21, 0).Add(6 * time.Hour)}

	breaks := BreakIntervals(7, window, shifts)
	require.Len(t, breaks, 1)
	assert.Equal(t, at(22, 0), breaks[0].Start)
	assert.Equal(t, at(22, 30), breaks[0].End)

	totals := NewResolver(time.UTC).Resolve(7, window, Collections{Shifts: shifts})
	assert.InDelta(t, 30, totals.Breaks, 1e-9)
}

func TestBreakAfterMidnightInOvernightShift(t *testing.T) {
	shifts := []datamodel.ShiftWindow{
		{MachineID: 7, ShiftStart: 22 * 60, ShiftEnd: 6 * 60, BreakStart: 2 * 60, BreakEnd: 2*60 + 30},
	}
	window := datamodel.Interval{Start: at(22, 0), End: at(22, 0).Add(8 * time.Hour)}

	breaks := BreakIntervals(7, window, shifts)
	require.Len(t, breaks, 1)
	assert.Equal(t, time.Date(2024, 3, 13, 2, 0, 0, 0, time.UTC), breaks[0].Start)
}

func TestBreakWrappingMidnight(t *testing.T) {
	shifts := []datamodel.ShiftWindow{
		{MachineID: 3, ShiftStart: 18 * 60, ShiftEnd: 2 * 60, BreakStart: 23*60 + 45, BreakEnd: 15},
	}
	window := datamodel.Interval{Start: at(18, 0), End: at(18, 0).Add(8 * time.Hour)}

	totals := NewResolver(time.UTC).Resolve(3, window, Collections{Shifts: shifts})
	assert.InDelta(t, 30, totals.Breaks, 1e-9)
}

func TestBreaksOnEveryDayOfLongOrder(t *testing.T) {
	shifts := []datamodel.ShiftWindow{
		{MachineID: 1, ShiftStart: 6 * 60, ShiftEnd: 14 * 60, BreakStart: 9 * 60, BreakEnd: 9*60 + 15},
	}
	window := datamodel.Interval{Start: at(0, 0), End: at(0, 0).AddDate(0, 0, 3)}

	totals := NewResolver(time.UTC).Resolve(1, window, Collections{Shifts: shifts})
	assert.InDelta(t, 45, totals.Breaks, 1e-9)
}

func TestBreaksProjectedInResolverLocation(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	shifts := []datamodel.ShiftWindow{
		{MachineID: 1, ShiftStart: 6 * 60, ShiftEnd: 14 * 60, BreakStart: 12 * 60, BreakEnd: 12*60 + 30},
	}
	// 11:00 UTC is 12:00 in Berlin during winter time.
	window := datamodel.Interval{Start: at(10, 0), End: at(12, 0)}

	breaks := NewResolver(berlin).Breaks(1, window, shifts)
	require.Len(t, breaks, 1)
	assert.True(t, breaks[0].Start.Equal(at(11, 0)))
}

func TestHourly(t *testing.T) {
	r := NewResolver(time.UTC)
	window := datamodel.Interval{Start: at(8, 20), End: at(10, 40)}
	c := Collections{
		UnplannedDowntime: []datamodel.Interval{{Start: at(8, 50), End: at(9, 10)}},
		PlannedDowntime:   []datamodel.Interval{{Start: at(0, 0), End: at(23, 0)}},
	}

	t.Run("bucket bounds", func(t *testing.T) {
		buckets := r.Hourly(1, window, Collections{})
		require.Len(t, buckets, 3)
		assert.Equal(t, at(8, 0), buckets[0].Start)
		assert.Equal(t, at(10, 0), buckets[2].Start)
		assert.InDelta(t, 40, buckets[0].ProductionMinutes, 1e-9)
		assert.InDelta(t, 60, buckets[1].ProductionMinutes, 1e-9)
		assert.InDelta(t, 40, buckets[2].ProductionMinutes, 1e-9)
	})

	t.Run("never negative", func(t *testing.T) {
		for _, b := range r.Hourly(1, window, c) {
			assert.GreaterOrEqual(t, b.ProductionMinutes, 0.0)
			assert.LessOrEqual(t, b.ProductionMinutes, 60.0)
		}
	})

	t.Run("downtime split across buckets", func(t *testing.T) {
		buckets := r.Hourly(1, window, Collections{UnplannedDowntime: c.UnplannedDowntime})
		require.Len(t, buckets, 3)
		assert.InDelta(t, 10, buckets[0].UnplannedDowntimeMinutes, 1e-9)
		assert.InDelta(t, 30, buckets[0].ProductionMinutes, 1e-9)
		assert.InDelta(t, 10, buckets[1].UnplannedDowntimeMinutes, 1e-9)
		assert.InDelta(t, 50, buckets[1].ProductionMinutes, 1e-9)
	})

	t.Run("aligned window", func(t *testing.T) {
		buckets := r.Hourly(1, datamodel.Interval{Start: at(8, 0), End: at(10, 0)}, Collections{})
		assert.Len(t, buckets, 2)
	})

	t.Run("empty window", func(t *testing.T) {
		assert.Empty(t, r.Hourly(1, datamodel.Interval{Start: at(8, 0), End: at(8, 0)}, Collections{}))
	})
}

func TestHourlyAcrossFallBack(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	// clocks go from 03:00 CEST back to 02:00 CET at 01:00 UTC, 02:00 local occurs twice
	window := datamodel.Interval{
		Start: time.Date(2024, 10, 26, 22, 30, 0, 0, time.UTC),
		End:   time.Date(2024, 10, 27, 4, 30, 0, 0, time.UTC),
	}
	c := Collections{UnplannedDowntime: []datamodel.Interval{{
		Start: time.Date(2024, 10, 26, 23, 45, 0, 0, time.UTC),
		End:   time.Date(2024, 10, 27, 1, 15, 0, 0, time.UTC),
	}}}

	buckets := NewResolver(berlin).Hourly(1, window, c)
	// seven absolute hours, one of them shares its local start with the next
	require.Len(t, buckets, 6)
	seen := map[int64]bool{}
	for i, b := range buckets {
		assert.False(t, seen[b.Start.Unix()], "bucket %d starts twice at %s", i, b.Start)
		seen[b.Start.Unix()] = true
		if i > 0 {
			assert.True(t, b.Start.After(buckets[i-1].Start))
		}
		assert.GreaterOrEqual(t, b.ProductionMinutes, 0.0)
		assert.LessOrEqual(t, b.ProductionMinutes, 60.0)
	}
	assert.True(t, time.Date(2024, 10, 27, 0, 0, 0, 0, berlin).Equal(buckets[0].Start))
}
