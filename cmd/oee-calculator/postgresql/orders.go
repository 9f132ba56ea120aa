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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

const orderColumns = `id, machine_id, material_id, material_description, planned_start, planned_end,
		actual_start, actual_end, planned_quantity, confirmed_quantity, confirmed_yield,
		setup_minutes, processing_minutes, teardown_minutes, status`

func (c *Connection) ListMachines(ctx context.Context) ([]datamodel.Machine, error) {
	rows, err := c.Db.Query(ctx, `SELECT id, name FROM machine ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []datamodel.Machine
	for rows.Next() {
		var m datamodel.Machine
		if err = rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// ResolveMachineID matches the machine name case-insensitively.
func (c *Connection) ResolveMachineID(ctx context.Context, name string) (int, error) {
	var id int
	err := c.Db.QueryRow(ctx, `SELECT id FROM machine WHERE lower(name) = lower($1)`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrMachineNotFound, name)
	}
	return id, err
}

// GetActiveOrder returns the running order of the machine, or the next released one.
func (c *Connection) GetActiveOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error) {
	order, err := c.queryOrder(ctx, `SELECT `+orderColumns+` FROM production_order
		WHERE machine_id = $1 AND status IN ('released', 'in_progress')
		ORDER BY status = 'in_progress' DESC, planned_start
		LIMIT 1`, machineID)
	if errors.Is(err, pgx.ErrNoRows) {
		return order, fmt.Errorf("%w: machine %d", ErrNoActiveOrder, machineID)
	}
	return order, err
}

// GetReleasedOrder returns the earliest released order that has not started yet.
func (c *Connection) GetReleasedOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error) {
	order, err := c.queryOrder(ctx, `SELECT `+orderColumns+` FROM production_order
		WHERE machine_id = $1 AND status = 'released' AND actual_start IS NULL
		ORDER BY planned_start
		LIMIT 1`, machineID)
	if errors.Is(err, pgx.ErrNoRows) {
		return order, fmt.Errorf("%w: machine %d", ErrNoReleasedOrder, machineID)
	}
	return order, err
}

func (c *Connection) queryOrder(ctx context.Context, sql string, args ...any) (datamodel.ProductionOrder, error) {
	var o datamodel.ProductionOrder
	var status string
	err := c.Db.QueryRow(ctx, sql, args...).Scan(
		&o.ID, &o.MachineID, &o.MaterialID, &o.MaterialDescription, &o.PlannedStart, &o.PlannedEnd,
		&o.ActualStart, &o.ActualEnd, &o.PlannedQuantity, &o.ConfirmedQuantity, &o.ConfirmedYield,
		&o.SetupMinutes, &o.ProcessingMinutes, &o.TeardownMinutes, &status)
	o.Status = datamodel.OrderStatus(status)
	return o, err
}

// SetOrderActualStart starts an order that has neither started nor ended.
func (c *Connection) SetOrderActualStart(ctx context.Context, orderID string, at time.Time) error {
	cmdTag, err := c.exec(ctx, "setting actual start", `
		UPDATE production_order
		SET actual_start = $2, status = 'in_progress'
		WHERE id = $1 AND actual_start IS NULL AND actual_end IS NULL`, orderID, at)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: start of %s", ErrOrderNotUpdated, orderID)
	}
	return nil
}

// SetOrderActualEnd ends a running order and marks it completed.
func (c *Connection) SetOrderActualEnd(ctx context.Context, orderID string, at time.Time) error {
	cmdTag, err := c.exec(ctx, "setting actual end", `
		UPDATE production_order
		SET actual_end = $2, status = 'completed'
		WHERE id = $1 AND actual_start IS NOT NULL AND actual_end IS NULL`, orderID, at)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: end of %s", ErrOrderNotUpdated, orderID)
	}
	return nil
}
