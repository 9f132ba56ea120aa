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

// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/oee"
	"github.com/united-manufacturing-hub/umh-utils/env"
)

type MQTT struct {
	BrokerURL           string
	ClientID            string
	Username            string
	Password            string
	TopicPrefix         string
	SnapshotTopicPrefix string
	SubscribeRetries    int
	WatchdogTimeout     time.Duration
}

type Postgres struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	ConnectRetries int
}

func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

type Redis struct {
	URI           string
	Password      string
	ChannelPrefix string
}

func (r Redis) Enabled() bool {
	return r.URI != ""
}

type Kafka struct {
	Brokers      []string
	ArchiveTopic string
}

func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

type Metrics struct {
	Quantity string
	Yield    string
	Scrap    string
}

type Config struct {
	LoggingLevel string

	MQTT     MQTT
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka

	HoldThreshold   time.Duration
	MicrostopMax    time.Duration
	OEE             oee.Config
	Metrics         Metrics
	PayloadEncoding string

	ReferenceCacheTTL     time.Duration
	MachineCacheSizeBytes int
	DedupCacheSize        int
	WorkerCount           int
	APIPort               int
}

// Load reads every variable and reports all problems at once.
func Load() (Config, error) {
	var cfg Config
	var errs []error
	str := func(key string, required bool, fallback string) string {
		v, err := env.GetAsString(key, required, fallback)
		errs = append(errs, err)
		return v
	}
	num := func(key string, fallback int) int {
		v, err := env.GetAsInt(key, false, fallback)
		errs = append(errs, err)
		return v
	}
	seconds := func(key string, fallback float64) time.Duration {
		v, err := env.GetAsFloat64(key, false, fallback)
		errs = append(errs, err)
		return time.Duration(v * float64(time.Second))
	}

	cfg.LoggingLevel = str("LOGGING_LEVEL", false, "PRODUCTION")

	podName := str("MY_POD_NAME", false, "oee-calculator")
	cfg.MQTT = MQTT{
		BrokerURL:           str("MQTT_BROKER_URL", true, ""),
		ClientID:            str("MQTT_CLIENT_ID", false, podName),
		Username:            str("MQTT_USERNAME", false, "OEE_CALCULATOR"),
		Password:            str("MQTT_PASSWORD", false, ""),
		TopicPrefix:         strings.TrimSuffix(str("MQTT_TOPIC_PREFIX", false, "+/+/+"), "/"),
		SnapshotTopicPrefix: strings.TrimSuffix(str("MQTT_SNAPSHOT_TOPIC_PREFIX", false, "oee/snapshot"), "/"),
		SubscribeRetries:    num("MQTT_SUBSCRIBE_RETRIES", 5),
		WatchdogTimeout:     seconds("WATCHDOG_TIMEOUT_SECONDS", 60),
	}

	cfg.Postgres = Postgres{
		Host:           str("POSTGRES_HOST", false, "db"),
		Port:           num("POSTGRES_PORT", 5432),
		User:           str("POSTGRES_USER", true, ""),
		Password:       str("POSTGRES_PASSWORD", true, ""),
		Database:       str("POSTGRES_DATABASE", true, ""),
		SSLMode:        str("POSTGRES_SSL_MODE", false, "require"),
		ConnectRetries: num("POSTGRES_CONNECT_RETRIES", 10),
	}

	cfg.Redis = Redis{
		URI:           str("REDIS_URI", false, ""),
		Password:      str("REDIS_PASSWORD", false, ""),
		ChannelPrefix: str("REDIS_CHANNEL_PREFIX", false, "oee"),
	}

	brokers := str("KAFKA_BROKERS", false, "")
	cfg.Kafka = Kafka{
		ArchiveTopic: str("KAFKA_ARCHIVE_TOPIC", false, "umh.v1.oee.history"),
	}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
		}
	}

	cfg.HoldThreshold = seconds("HOLD_THRESHOLD_SECONDS", 60)
	cfg.MicrostopMax = seconds("MICROSTOP_MAX_SECONDS", 300)

	cfg.OEE = oee.DefaultConfig()
	cfg.OEE.Scale = datamodel.Scale(strings.ToLower(str("OEE_SCALE", false, string(datamodel.ScalePercent))))
	errs = append(errs, env.GetAsType("OEE_THRESHOLDS", &cfg.OEE.Thresholds, false, oee.DefaultThresholds()))
	tz := str("SHIFT_TIMEZONE", false, "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("SHIFT_TIMEZONE %q: %w", tz, err))
		loc = time.UTC
	}
	cfg.OEE.Location = loc

	cfg.Metrics = Metrics{
		Quantity: strings.ToLower(str("QUANTITY_METRIC", false, "quantity")),
		Yield:    strings.ToLower(str("YIELD_METRIC", false, "yield")),
		Scrap:    strings.ToLower(str("SCRAP_METRIC", false, "scrap")),
	}
	cfg.PayloadEncoding = strings.ToLower(str("PAYLOAD_ENCODING", false, "auto"))

	cfg.ReferenceCacheTTL = seconds("REFERENCE_CACHE_TTL_SECONDS", 30)
	cfg.MachineCacheSizeBytes = num("MACHINE_CACHE_SIZE_BYTES", 1024*1024)
	cfg.DedupCacheSize = num("DEDUP_CACHE_SIZE", 100000)
	cfg.WorkerCount = num("WORKER_COUNT", 8)
	cfg.APIPort = num("API_PORT", 8080)

	errs = append(errs, cfg.validate())
	return cfg, errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	switch c.OEE.Scale {
	case datamodel.ScalePercent, datamodel.ScaleFraction:
	default:
		errs = append(errs, fmt.Errorf("OEE_SCALE must be percent or fraction, got %q", c.OEE.Scale))
	}
	if err := c.OEE.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.PayloadEncoding {
	case "auto", "json", "cbor", "cbor+base64":
	default:
		errs = append(errs, fmt.Errorf("PAYLOAD_ENCODING must be auto, json, cbor or cbor+base64, got %q", c.PayloadEncoding))
	}
	if c.MicrostopMax < c.HoldThreshold {
		errs = append(errs, fmt.Errorf("MICROSTOP_MAX_SECONDS (%s) must not be below HOLD_THRESHOLD_SECONDS (%s)", c.MicrostopMax, c.HoldThreshold))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	if c.MQTT.SubscribeRetries <= 0 {
		errs = append(errs, fmt.Errorf("MQTT_SUBSCRIBE_RETRIES must be positive, got %d", c.MQTT.SubscribeRetries))
	}
	if c.MQTT.WatchdogTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WATCHDOG_TIMEOUT_SECONDS must be positive"))
	}
	return errors.Join(errs...)
}
