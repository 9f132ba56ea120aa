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
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

// BreakIntervals projects the breaks of every shift belonging to machineID onto
// the calendar days touched by window. The day before the window start is
// included so that overnight shifts starting the previous evening are covered.
// A break earlier in the day than the start of an overnight shift belongs to the
// shift's second day.
func BreakIntervals(machineID int, window datamodel.Interval, shifts []datamodel.ShiftWindow) []datamodel.Interval {
	var out []datamodel.Interval
	if window.Empty() {
		return out
	}
	loc := window.Start.Location()
	first := startOfDay(window.Start).AddDate(0, 0, -1)
	last := startOfDay(window.End.In(loc))

	for _, s := range shifts {
		if s.MachineID != machineID || !s.HasBreak() {
			continue
		}
		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			breakDay := day
			if s.Overnight() && s.BreakStart < s.ShiftStart {
				breakDay = day.AddDate(0, 0, 1)
			}
			b := ProjectTimeOfDayWindow(breakDay, s.BreakStart, s.BreakEnd)
			if OverlapMinutes(b.Start, b.End, window.Start, window.End) > 0 {
				out = append(out, b)
			}
		}
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
