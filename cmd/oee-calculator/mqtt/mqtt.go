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

// Package mqtt connects the service to the broker, subscribes to the topics of
// every known machine and publishes metric snapshots.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/config"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/telemetry"
	"github.com/united-manufacturing-hub/oee-calculator/internal"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

var (
	mqttConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oee_calculator_mqtt_up",
		Help: "Connection with MQTT broker",
	})
	watchdogReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_watchdog_reconnects_total",
		Help: "Reconnects forced because no message arrived in time",
	})
	subscriptionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_mqtt_subscription_failures_total",
		Help: "Machines skipped because their subscription failed",
	})
)

var ErrNotConnected = errors.New("not connected")

const (
	qos             = 1
	connectTimeout  = 30 * time.Second
	disconnectQuiet = 250
)

type MessageHandler interface {
	Handle(ctx context.Context, topic string, payload []byte)
}

type MachineLister interface {
	ListMachines(ctx context.Context) ([]datamodel.Machine, error)
}

type Client struct {
	cfg      config.MQTT
	handler  MessageHandler
	machines MachineLister
	watchdog *telemetry.Watchdog

	// newClient is replaced in tests.
	newClient func(o *MQTT.ClientOptions) MQTT.Client

	mu     sync.RWMutex
	client MQTT.Client
	ctx    context.Context
}

func New(cfg config.MQTT, handler MessageHandler, machines MachineLister, watchdog *telemetry.Watchdog) *Client {
	return &Client{
		cfg:       cfg,
		handler:   handler,
		machines:  machines,
		watchdog:  watchdog,
		newClient: MQTT.NewClient,
		ctx:       context.Background(),
	}
}

func (c *Client) options() *MQTT.ClientOptions {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetUsername(c.cfg.Username)
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	// messages of one machine must reach the dispatcher in broker order
	opts.SetOrderMatters(true)
	return opts
}

// Connect connects to the broker. Subscriptions are (re)established on every connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.client = c.newClient(c.options())
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connecting to %s: timeout", c.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

func (c *Client) current() (MQTT.Client, context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.ctx
}

func (c *Client) onConnect(client MQTT.Client) {
	optionsReader := client.OptionsReader()
	zap.S().Infof("Connected to MQTT broker (%s)", optionsReader.ClientID())
	mqttConnected.Set(1)
	_, ctx := c.current()
	go func() {
		if err := c.subscribeAll(ctx, client); err != nil {
			zap.S().Errorf("Failed to subscribe: %v", err)
		}
	}()
}

func (c *Client) onConnectionLost(_ MQTT.Client, err error) {
	zap.S().Warnf("Connection to MQTT broker lost: %v", err)
	mqttConnected.Set(0)
}

func (c *Client) onMessage(_ MQTT.Client, msg MQTT.Message) {
	_, ctx := c.current()
	c.handler.Handle(ctx, msg.Topic(), msg.Payload())
}

// subscribeAll subscribes every known machine with bounded retries. A machine
// whose subscription keeps failing is skipped.
func (c *Client) subscribeAll(ctx context.Context, client MQTT.Client) error {
	machines, err := c.machines.ListMachines(ctx)
	if err != nil {
		return err
	}
	backoff := internal.Backoff{
		Attempts: c.cfg.SubscribeRetries,
		SlotTime: 100 * time.Millisecond,
		Maximum:  internal.FiveSeconds,
	}
	subscribed := 0
	for _, m := range machines {
		filter := telemetry.SubscriptionFilter(c.cfg.TopicPrefix, m.Name)
		err = internal.Retry(ctx, backoff, "subscribe "+filter, func() error {
			token := client.Subscribe(filter, qos, c.onMessage)
			if !token.WaitTimeout(internal.ThirtySeconds) {
				return fmt.Errorf("subscribing %s: timeout", filter)
			}
			return token.Error()
		}, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			subscriptionFailures.Inc()
			zap.S().Errorf("Skipping machine %s: %v", m.Name, err)
			continue
		}
		subscribed++
		zap.S().Debugf("Subscribed %s", filter)
	}
	zap.S().Infof("Subscribed %d of %d machines", subscribed, len(machines))
	return nil
}

// Watch forces a full reconnect whenever the watchdog reports silence.
func (c *Client) Watch(ctx context.Context, interval time.Duration) {
	c.watchdog.Run(ctx, interval, func() {
		watchdogReconnects.Inc()
		zap.S().Warnf("No message since %s, reconnecting", c.watchdog.LastMessage().Format(time.RFC3339))
		c.Disconnect()
		if err := c.Connect(ctx); err != nil {
			zap.S().Errorf("Reconnect failed: %v", err)
		}
	})
}

func (c *Client) Disconnect() {
	client, _ := c.current()
	if client == nil {
		return
	}
	client.Disconnect(disconnectQuiet)
	mqttConnected.Set(0)
}

func (c *Client) IsConnected() bool {
	client, _ := c.current()
	return client != nil && client.IsConnected()
}

func (c *Client) CheckConnected() healthcheck.Check {
	return func() error {
		if c.IsConnected() {
			return nil
		}
		return ErrNotConnected
	}
}

// Broadcaster publishes snapshots on <prefix>/<machine id>.
type Broadcaster struct {
	client *Client
	prefix string
}

func NewBroadcaster(client *Client, prefix string) *Broadcaster {
	return &Broadcaster{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

func (b *Broadcaster) Name() string {
	return "mqtt"
}

func (b *Broadcaster) Topic(machineID int) string {
	return fmt.Sprintf("%s/%d", b.prefix, machineID)
}

// Broadcast does not wait for the delivery token.
func (b *Broadcaster) Broadcast(_ context.Context, m datamodel.OEEMetrics) error {
	client, _ := b.client.current()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	client.Publish(b.Topic(m.MachineID), qos, false, payload)
	return nil
}
