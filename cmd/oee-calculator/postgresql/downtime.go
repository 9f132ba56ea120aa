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

package postgresql

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

// GetDowntimeIntervals returns the downtimes of kind on the machine that intersect window.
func (c *Connection) GetDowntimeIntervals(ctx context.Context, kind datamodel.DowntimeKind, machineID int, window datamodel.Interval) ([]datamodel.DowntimeInterval, error) {
	rows, err := c.Db.Query(ctx, `
		SELECT id, machine_id, COALESCE(order_id, ''), kind, start_time, end_time, reason_code
		FROM downtime
		WHERE machine_id = $1 AND kind = $2 AND start_time < $4 AND end_time > $3
		ORDER BY start_time`, machineID, string(kind), window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datamodel.DowntimeInterval
	for rows.Next() {
		var d datamodel.DowntimeInterval
		var k string
		if err = rows.Scan(&d.ID, &d.MachineID, &d.OrderID, &k, &d.Start, &d.End, &d.ReasonCode); err != nil {
			return nil, err
		}
		d.Kind = datamodel.DowntimeKind(k)
		d.Duration = d.End.Sub(d.Start)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *Connection) CreateDowntimeRecord(ctx context.Context, d datamodel.DowntimeInterval) error {
	var orderID *string
	if d.OrderID != "" {
		orderID = &d.OrderID
	}
	_, err := c.exec(ctx, "inserting downtime", `
		INSERT INTO downtime (id, machine_id, order_id, kind, start_time, end_time, reason_code, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.MachineID, orderID, string(d.Kind), d.Start, d.End, d.ReasonCode, d.Duration.Seconds())
	return err
}

// GetShiftWindows returns the shift definitions of the machine. Time columns are read as minutes since midnight.
func (c *Connection) GetShiftWindows(ctx context.Context, machineID int) ([]datamodel.ShiftWindow, error) {
	rows, err := c.Db.Query(ctx, `
		SELECT machine_id,
		       (EXTRACT(EPOCH FROM shift_start) / 60)::int,
		       (EXTRACT(EPOCH FROM shift_end) / 60)::int,
		       COALESCE((EXTRACT(EPOCH FROM break_start) / 60)::int, 0),
		       COALESCE((EXTRACT(EPOCH FROM break_end) / 60)::int, 0)
		FROM shift
		WHERE machine_id = $1`, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []datamodel.ShiftWindow
	for rows.Next() {
		var s datamodel.ShiftWindow
		var shiftStart, shiftEnd, breakStart, breakEnd int
		if err = rows.Scan(&s.MachineID, &shiftStart, &shiftEnd, &breakStart, &breakEnd); err != nil {
			return nil, err
		}
		s.ShiftStart = datamodel.TimeOfDayFromDuration(time.Duration(shiftStart) * time.Minute)
		s.ShiftEnd = datamodel.TimeOfDayFromDuration(time.Duration(shiftEnd) * time.Minute)
		s.BreakStart = datamodel.TimeOfDayFromDuration(time.Duration(breakStart) * time.Minute)
		s.BreakEnd = datamodel.TimeOfDayFromDuration(time.Duration(breakEnd) * time.Minute)
		out = append(out, s)
	}
	return out, rows.Err()
}
