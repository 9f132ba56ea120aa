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

// Package kafka archives the metrics of completed orders to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

// Archiver produces one message per completed order, keyed by order id so that
// compacted topics keep the latest record.
type Archiver struct {
	producer sarama.SyncProducer
	topic    string

	producedMessages atomic.Uint64
	erroredMessages  atomic.Uint64
}

func NewArchiver(brokers []string, topic string) (*Archiver, error) {
	config := sarama.NewConfig()
	config.ClientID = "oee-calculator"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to kafka brokers %v: %w", brokers, err)
	}
	return NewArchiverWithProducer(producer, topic), nil
}

func NewArchiverWithProducer(producer sarama.SyncProducer, topic string) *Archiver {
	return &Archiver{producer: producer, topic: topic}
}

func (a *Archiver) Archive(ctx context.Context, m datamodel.OEEMetrics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(m.OrderID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("machine"), Value: []byte(strconv.Itoa(m.MachineID))},
			{Key: []byte("classification"), Value: []byte(m.Classification)},
		},
		Timestamp: m.ComputedAt,
	}
	partition, offset, err := a.producer.SendMessage(msg)
	if err != nil {
		a.erroredMessages.Add(1)
		return fmt.Errorf("archiving order %s: %w", m.OrderID, err)
	}
	a.producedMessages.Add(1)
	zap.S().Debugf("Archived order %s to %s [%d] at offset %d", m.OrderID, a.topic, partition, offset)
	return nil
}

// GetProducedMessages returns the produced and failed message counts.
func (a *Archiver) GetProducedMessages() (uint64, uint64) {
	return a.producedMessages.Load(), a.erroredMessages.Load()
}

func (a *Archiver) Close() error {
	return a.producer.Close()
}
