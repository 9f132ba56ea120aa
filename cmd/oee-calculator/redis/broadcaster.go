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

// Package redis publishes metric snapshots on Redis pub/sub channels and keeps
// the latest snapshot per machine under a key.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

const latestExpiration = 12 * time.Hour

// Client is the subset of redis.Cmdable used by the broadcaster.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type Broadcaster struct {
	client Client
	prefix string
}

// Connect creates a client and checks that the server answers.
func Connect(ctx context.Context, uri string, password string, prefix string) (*Broadcaster, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     uri,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("pinging redis at %s: %w", uri, err)
	}
	zap.S().Infof("Connected to redis at %s", uri)
	return New(rdb, prefix), rdb, nil
}

func New(client Client, prefix string) *Broadcaster {
	return &Broadcaster{client: client, prefix: prefix}
}

func (b *Broadcaster) Name() string {
	return "redis"
}

func (b *Broadcaster) Channel(machineID int) string {
	return fmt.Sprintf("%s:machine:%d", b.prefix, machineID)
}

func (b *Broadcaster) LatestKey(machineID int) string {
	return fmt.Sprintf("%s:latest:%d", b.prefix, machineID)
}

func (b *Broadcaster) Broadcast(ctx context.Context, m datamodel.OEEMetrics) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err = b.client.Set(ctx, b.LatestKey(m.MachineID), payload, latestExpiration).Err(); err != nil {
		return fmt.Errorf("storing latest snapshot of machine %d: %w", m.MachineID, err)
	}
	receivers, err := b.client.Publish(ctx, b.Channel(m.MachineID), payload).Result()
	if err != nil {
		return fmt.Errorf("publishing snapshot of machine %d: %w", m.MachineID, err)
	}
	zap.S().Debugf("Published snapshot of machine %d to %d redis subscribers", m.MachineID, receivers)
	return nil
}
