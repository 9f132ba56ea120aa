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

// Package telemetry decodes topic addressed payloads and routes them per machine
// to the command state machine or the metric buffer.
package telemetry

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/postgresql"
	"github.com/united-manufacturing-hub/oee-calculator/internal"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

var (
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oee_calculator_messages_received_total",
		Help: "Messages received from the broker",
	})
	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oee_calculator_messages_dropped_total",
		Help: "Messages discarded during ingestion by reason",
	}, []string{"reason"})
)

const (
	reasonInvalidTopic   = "invalid_topic"
	reasonInvalidPayload = "invalid_payload"
	reasonDuplicate      = "duplicate"
	reasonUnknownMachine = "unknown_machine"
	reasonNoActiveOrder  = "no_active_order"
	reasonLookupFailed   = "lookup_failed"
	reasonShuttingDown   = "shutting_down"
)

// Reference resolves machines and their active orders.
type Reference interface {
	ResolveMachineID(ctx context.Context, name string) (int, error)
	GetActiveOrder(ctx context.Context, machineID int) (datamodel.ProductionOrder, error)
}

// Event is one decoded metric or command for one machine.
type Event struct {
	MachineID int
	Topic     Topic
	Name      string
	Value     float64
	Type      string
	Timestamp time.Time
}

// Handler consumes routed events. Errors are logged by the router.
type Handler interface {
	HandleCommand(ctx context.Context, e Event) error
	HandleMetric(ctx context.Context, e Event) error
}

type RouterOptions struct {
	Encoding  string
	DedupSize int
	Now       func() time.Time
}

// Router never returns ingestion errors, it logs them and counts them by reason.
type Router struct {
	ref        Reference
	handler    Handler
	dispatcher *Dispatcher
	watchdog   *Watchdog
	dedup      *lru.ARCCache
	opts       RouterOptions
}

func NewRouter(ref Reference, handler Handler, dispatcher *Dispatcher, watchdog *Watchdog, opts RouterOptions) (*Router, error) {
	if opts.DedupSize <= 0 {
		opts.DedupSize = 100000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Encoding == "" {
		opts.Encoding = EncodingAuto
	}
	dedup, err := lru.NewARC(opts.DedupSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		ref:        ref,
		handler:    handler,
		dispatcher: dispatcher,
		watchdog:   watchdog,
		dedup:      dedup,
		opts:       opts,
	}, nil
}

func drop(reason string, format string, args ...interface{}) {
	messagesDropped.WithLabelValues(reason).Inc()
	zap.S().Warnf(format, args...)
}

// Handle decodes and routes one message. Messages carrying a timestamp that were
// already accepted with the same topic and payload are redeliveries and dropped.
func (r *Router) Handle(ctx context.Context, topic string, payload []byte) {
	messagesReceived.Inc()
	if r.watchdog != nil {
		r.watchdog.Touch()
	}

	t, err := ParseTopic(topic)
	if err != nil {
		drop(reasonInvalidTopic, "Dropping message: %v", err)
		return
	}
	p, err := DecodePayload(r.opts.Encoding, payload, t.Metric)
	if err != nil {
		drop(reasonInvalidPayload, "Dropping message on %s: %v", topic, err)
		return
	}
	if len(p.Metrics) == 0 {
		drop(reasonInvalidPayload, "Dropping message on %s: no usable metric", topic)
		return
	}

	var key string
	if !p.Timestamp.IsZero() {
		key = string(internal.AsXXHash([]byte(topic), internal.KeySeparator, payload))
		if r.dedup.Contains(key) {
			messagesDropped.WithLabelValues(reasonDuplicate).Inc()
			zap.S().Debugf("Dropping duplicate message on %s", topic)
			return
		}
	} else {
		p.Timestamp = r.opts.Now()
	}

	machineID, err := r.ref.ResolveMachineID(ctx, t.Machine)
	if err != nil {
		reason := reasonLookupFailed
		if errors.Is(err, postgresql.ErrMachineNotFound) {
			reason = reasonUnknownMachine
		}
		drop(reason, "Dropping message on %s: %v", topic, err)
		return
	}
	if _, err = r.ref.GetActiveOrder(ctx, machineID); err != nil {
		reason := reasonLookupFailed
		if errors.Is(err, postgresql.ErrNoActiveOrder) {
			reason = reasonNoActiveOrder
		}
		drop(reason, "Dropping message on %s for machine %d: %v", topic, machineID, err)
		return
	}

	events := make([]Event, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		events = append(events, Event{
			MachineID: machineID,
			Topic:     t,
			Name:      m.Name,
			Value:     m.Value,
			Type:      m.Type,
			Timestamp: p.Timestamp,
		})
	}

	ok := r.dispatcher.Submit(ctx, machineID, func(ctx context.Context) {
		for _, e := range events {
			r.route(ctx, e)
		}
	})
	if !ok {
		drop(reasonShuttingDown, "Dropping message on %s: dispatcher stopped", topic)
		return
	}
	// only accepted messages count as seen, a redelivery after a failed lookup is processed
	if key != "" {
		r.dedup.Add(key, struct{}{})
	}
}

func (r *Router) route(ctx context.Context, e Event) {
	var err error
	switch e.Topic.Kind {
	case KindCommand:
		err = r.handler.HandleCommand(ctx, e)
	case KindData:
		err = r.handler.HandleMetric(ctx, e)
	}
	if err != nil {
		zap.S().Errorw("Failed to process event", "machine", e.MachineID, "topic", e.Topic.String(), "name", e.Name, "error", err)
	}
}
