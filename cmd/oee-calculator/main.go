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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/api"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/buffer"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/commands"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/config"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/engine"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/kafka"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/mqtt"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/publisher"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/redis"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/reference"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/telemetry"
	"github.com/united-manufacturing-hub/oee-calculator/internal"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

const (
	dispatcherQueueSize = 1024
	subscriberBuffer    = 16
	watchdogInterval    = 5 * time.Second
)

func main() {
	InitLogging()
	InitPrometheus()

	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalf("Invalid configuration: %v", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	db, err := postgresql.Connect(startCtx, cfg.Postgres)
	cancel()
	if err != nil {
		zap.S().Fatalf("Failed to connect to postgres: %v", err)
	}
	if err = db.ValidateTables(); err != nil {
		zap.S().Fatalf("Database is not usable: %v", err)
	}

	opts := reference.DefaultOptions()
	opts.TTL = cfg.ReferenceCacheTTL
	opts.MachineCacheSize = cfg.MachineCacheSizeBytes
	ref := reference.New(db, opts)

	hub := publisher.NewHub(subscriberBuffer)
	pubOpts := publisher.Options{}
	var archiver *kafka.Archiver
	if cfg.Kafka.Enabled() {
		archiver, err = kafka.NewArchiver(cfg.Kafka.Brokers, cfg.Kafka.ArchiveTopic)
		if err != nil {
			zap.S().Fatalf("Failed to set up kafka archive: %v", err)
		}
		pubOpts.Archiver = archiver
	}
	var closeRedis func() error
	if cfg.Redis.Enabled() {
		b, rdb, errR := redis.Connect(context.Background(), cfg.Redis.URI, cfg.Redis.Password, cfg.Redis.ChannelPrefix)
		if errR != nil {
			zap.S().Fatalf("Failed to set up redis broadcaster: %v", errR)
		}
		closeRedis = rdb.Close
		pubOpts.Broadcasters = append(pubOpts.Broadcasters, b)
	}

	buf := buffer.New(buffer.Names{
		Quantity: cfg.Metrics.Quantity,
		Yield:    cfg.Metrics.Yield,
		Scrap:    cfg.Metrics.Scrap,
	})

	// the mqtt client needs the router, which needs the engine and thereby the publisher
	lazy := &lazyBroadcaster{}
	pubOpts.Broadcasters = append(pubOpts.Broadcasters, lazy)
	pub := publisher.New(hub, ref, pubOpts)

	eng := engine.New(ref, buf, pub, cfg.OEE, nil)
	stateMachine := commands.New(ref, eng, commands.Options{
		HoldThreshold: cfg.HoldThreshold,
		MicrostopMax:  cfg.MicrostopMax,
	})

	dispatcher := telemetry.NewDispatcher(cfg.WorkerCount, dispatcherQueueSize)
	watchdog := telemetry.NewWatchdog(cfg.MQTT.WatchdogTimeout, nil)
	router, err := telemetry.NewRouter(ref, engine.NewHandler(eng, stateMachine), dispatcher, watchdog, telemetry.RouterOptions{
		Encoding:  cfg.PayloadEncoding,
		DedupSize: cfg.DedupCacheSize,
	})
	if err != nil {
		zap.S().Fatalf("Failed to create router: %v", err)
	}

	mqttClient := mqtt.New(cfg.MQTT, router, ref, watchdog)
	lazy.set(mqtt.NewBroadcaster(mqttClient, cfg.MQTT.SnapshotTopicPrefix))
	server := api.New(ref, eng, hub)

	gs := internal.NewGracefulShutdown(func(ctx context.Context) error {
		mqttClient.Disconnect()
		dispatcher.Stop()
		pub.Close()
		hub.Close()
		var errs []error
		if archiver != nil {
			errs = append(errs, archiver.Close())
		}
		if closeRedis != nil {
			errs = append(errs, closeRedis())
		}
		db.Close()
		return errors.Join(errs...)
	}, internal.ThirtySeconds)
	ctx := gs.Context()

	InitHealthCheck(db, mqttClient)

	dispatcher.Start(ctx)
	if err = mqttClient.Connect(ctx); err != nil {
		zap.S().Fatalf("Failed to connect to MQTT broker: %v", err)
	}
	go mqttClient.Watch(ctx, watchdogInterval)
	go eng.RunRetries(ctx, internal.OneMinute)
	go func() {
		if errA := server.Run(ctx, fmt.Sprintf(":%d", cfg.APIPort)); errA != nil && !errors.Is(errA, http.ErrServerClosed) {
			zap.S().Errorf("HTTP API stopped: %v", errA)
		}
	}()

	zap.S().Infof("oee-calculator started with %d workers", cfg.WorkerCount)
	if err = gs.Wait(); err != nil {
		zap.S().Errorf("Shutdown finished with errors: %v", err)
	}
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	metricsPath := "/metrics"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, internal.MetricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(internal.MetricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(db *postgresql.Connection, client *mqtt.Client) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("database", db.IsAvailable)
	health.AddLivenessCheck("database", db.IsAvailable)
	health.AddReadinessCheck("mqtt", client.CheckConnected())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(internal.HealthCheckPort, health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
