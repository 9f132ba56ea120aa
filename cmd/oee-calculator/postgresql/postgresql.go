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

// Package postgresql is the relational store of machines, production orders,
// downtimes, shifts and the persisted oee history.
package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/config"
	"github.com/united-manufacturing-hub/oee-calculator/internal"
	"go.uber.org/zap"
)

var (
	ErrMachineNotFound = errors.New("machine not found")
	ErrNoActiveOrder   = errors.New("no active production order")
	ErrNoReleasedOrder = errors.New("no released production order")
	ErrOrderNotUpdated = errors.New("production order was not updated")
	ErrMetricsNotFound = errors.New("no persisted metrics for order")
)

// PgxIface is the subset of *pgxpool.Pool we use, so pgxmock can stand in for it.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Connection struct {
	Db PgxIface
}

var requiredTables = []string{"machine", "production_order", "downtime", "shift", "oee_history"}

// Connect opens the pool, retrying until the database answers or the retries are used up.
func Connect(ctx context.Context, cfg config.Postgres) (*Connection, error) {
	var pool *pgxpool.Pool
	err := internal.Retry(ctx, internal.Backoff{
		Attempts: cfg.ConnectRetries,
		SlotTime: 100 * time.Millisecond,
		Maximum:  10 * time.Second,
	}, "postgres connect", func() error {
		p, err := pgxpool.New(ctx, cfg.DSN())
		if err != nil {
			return err
		}
		pingCtx, cncl := get5SecondContext()
		defer cncl()
		if err = p.Ping(pingCtx); err != nil {
			zap.S().Warnf("Failed to ping postgres at %s:%d: %v", cfg.Host, cfg.Port, err)
			p.Close()
			return err
		}
		pool = p
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	zap.S().Infof("Connected to postgres at %s:%d", cfg.Host, cfg.Port)
	return &Connection{Db: pool}, nil
}

// ValidateTables checks that every table of schema.sql exists.
func (c *Connection) ValidateTables() error {
	ctx, cncl := get1MinuteContext()
	defer cncl()
	var missing []string
	for _, table := range requiredTables {
		var exists bool
		err := c.Db.QueryRow(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking table %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsAvailable is used as health check.
func (c *Connection) IsAvailable() error {
	ctx, cncl := get5SecondContext()
	defer cncl()
	return c.Db.Ping(ctx)
}

func (c *Connection) Close() {
	c.Db.Close()
}

// Transient reports whether err is worth a retry: connection failures,
// timeouts and server shutdowns.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") || pgErr.Code == "53300"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

// exec runs a single statement in its own transaction.
func (c *Connection) exec(ctx context.Context, what string, sql string, args ...any) (pgconn.CommandTag, error) {
	tx, err := c.Db.Begin(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	cmdTag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		zap.S().Warnf("Error %s: %v [%s]", what, err, cmdTag)
		errR := tx.Rollback(ctx)
		if errR != nil {
			zap.S().Errorf("Error rolling back transaction: %v", errR)
		}
		return cmdTag, err
	}
	return cmdTag, tx.Commit(ctx)
}

func get1MinuteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 1*time.Minute)
}

func get5SecondContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
