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

// TimeOfDay is the number of minutes since midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return TimeOfDay(t.Hour()*60 + t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// TimeOfDayFromDuration converts a duration since midnight, as stored in a postgres time column.
func TimeOfDayFromDuration(d time.Duration) TimeOfDay {
	return TimeOfDay(int(d.Minutes()) % minutesPerDay)
}

func (t TimeOfDay) Hour() int {
	return int(t) / 60
}

func (t TimeOfDay) Minute() int {
	return int(t) % 60
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// ShiftWindow is a recurring daily shift with an optional break.
// Both ranges may wrap past midnight.
type ShiftWindow struct {
	MachineID  int       `json:"machineId"`
	ShiftStart TimeOfDay `json:"shiftStart"`
	ShiftEnd   TimeOfDay `json:"shiftEnd"`
	BreakStart TimeOfDay `json:"breakStart"`
	BreakEnd   TimeOfDay `json:"breakEnd"`
}

func (s ShiftWindow) HasBreak() bool {
	return s.BreakStart != s.BreakEnd
}

// Overnight reports whether the shift ends on the day after it starts.
func (s ShiftWindow) Overnight() bool {
	return s.ShiftEnd <= s.ShiftStart
}

type Machine struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}
