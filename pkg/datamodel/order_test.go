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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderLifecycle(t *testing.T) {
	start := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)
	o := ProductionOrder{
		ID:           "1",
		PlannedStart: start,
		PlannedEnd:   start.Add(8 * time.Hour),
		Status:       OrderReleased,
	}
	require.NoError(t, o.Validate())

	assert.ErrorIs(t, o.End(start), ErrOrderNotStarted)

	require.NoError(t, o.Start(start.Add(time.Minute)))
	assert.Equal(t, OrderInProgress, o.Status)
	assert.ErrorIs(t, o.Start(start.Add(2*time.Minute)), ErrOrderStarted)

	assert.ErrorIs(t, o.End(start), ErrIntervalEndBefore)
	require.NoError(t, o.End(start.Add(time.Hour)))
	assert.True(t, o.Terminal())
	assert.Equal(t, OrderCompleted, o.Status)

	assert.ErrorIs(t, o.End(start.Add(2*time.Hour)), ErrOrderTerminal)
	assert.ErrorIs(t, o.Start(start.Add(2*time.Hour)), ErrOrderTerminal)
	assert.Equal(t, start.Add(time.Hour), *o.ActualEnd)
}

func TestOrderValidate(t *testing.T) {
	start := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)

	o := ProductionOrder{ID: "1", PlannedStart: start, PlannedEnd: start}
	assert.ErrorIs(t, o.Validate(), ErrInvalidOrder)

	o = ProductionOrder{ID: "1", PlannedStart: start}
	assert.ErrorIs(t, o.Validate(), ErrMissingTimeField)
}

func TestNewDowntimeInterval(t *testing.T) {
	start := time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC)

	d, err := NewDowntimeInterval("a", 3, "o", DowntimeUnplanned, start, start.Add(90*time.Second), ReasonUnclassified)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d.Duration)
	assert.InDelta(t, 1.5, d.Interval().Minutes(), 1e-9)

	_, err = NewDowntimeInterval("b", 3, "", DowntimePlanned, start, start.Add(-time.Second), "")
	assert.ErrorIs(t, err, ErrIntervalEndBefore)

	_, err = NewDowntimeInterval("c", 3, "", DowntimeKind("other"), start, start, "")
	assert.Error(t, err)
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("22:30")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay(22*60+30), tod)
	assert.Equal(t, "22:30", tod.String())

	tod, err = ParseTimeOfDay("06:00:00")
	require.NoError(t, err)
	assert.Equal(t, 6, tod.Hour())

	_, err = ParseTimeOfDay("25:00")
	assert.Error(t, err)

	assert.Equal(t, TimeOfDay(14*60), TimeOfDayFromDuration(14*time.Hour))
	assert.True(t, ShiftWindow{ShiftStart: 22 * 60, ShiftEnd: 6 * 60}.Overnight())
}
