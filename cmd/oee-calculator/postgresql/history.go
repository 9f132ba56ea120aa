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

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

// PersistFinalMetrics stores the metrics of a terminal order. A second call for
// the same order keeps the first record.
func (c *Connection) PersistFinalMetrics(ctx context.Context, m datamodel.OEEMetrics) error {
	if !m.Terminal {
		return fmt.Errorf("refusing to persist metrics of running order %s", m.OrderID)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	cmdTag, err := c.exec(ctx, "persisting oee history", `
		INSERT INTO oee_history (order_id, machine_id, availability, performance, quality, oee, classification, metrics, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING`,
		m.OrderID, m.MachineID, m.Availability, m.Performance, m.Quality, m.OEE, string(m.Classification), raw, m.ComputedAt)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		zap.S().Debugf("oee history of order %s already persisted", m.OrderID)
	}
	return nil
}

func (c *Connection) GetFinalMetrics(ctx context.Context, orderID string) (datamodel.OEEMetrics, error) {
	var m datamodel.OEEMetrics
	var raw []byte
	err := c.Db.QueryRow(ctx, `SELECT metrics FROM oee_history WHERE order_id = $1`, orderID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, fmt.Errorf("%w: %s", ErrMetricsNotFound, orderID)
	}
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(raw, &m)
	return m, err
}
