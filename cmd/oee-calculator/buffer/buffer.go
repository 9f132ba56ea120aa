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

// Package buffer keeps the latest reported metric values of each machine's
// current order.
package buffer

import (
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

type Provenance string

const (
	Reported Provenance = "reported"
	Derived  Provenance = "derived"
)

type Value struct {
	Value      float64    `json:"value"`
	Provenance Provenance `json:"provenance"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Names maps the buffer's count metrics to the names used on the wire.
type Names struct {
	Quantity string
	Yield    string
	Scrap    string
}

func DefaultNames() Names {
	return Names{Quantity: "quantity", Yield: "yield", Scrap: "scrap"}
}

// orderValues are the values reported while orderID was the machine's order.
type orderValues struct {
	orderID string
	values  map[string]Value
}

type Buffer struct {
	names    Names
	mu       sync.RWMutex
	machines map[int]*orderValues
}

func New(names Names) *Buffer {
	return &Buffer{
		names: Names{
			Quantity: strings.ToLower(names.Quantity),
			Yield:    strings.ToLower(names.Yield),
			Scrap:    strings.ToLower(names.Scrap),
		},
		machines: make(map[int]*orderValues),
	}
}

// valuesOf returns the machine's values for orderID. Values of any other order
// are discarded.
func (b *Buffer) valuesOf(machineID int, orderID string) map[string]Value {
	ov, ok := b.machines[machineID]
	if ok && ov.orderID == orderID {
		return ov.values
	}
	if ok {
		zap.S().Debugf("Machine %d switched from order %s to %s, dropping buffered values", machineID, ov.orderID, orderID)
	}
	ov = &orderValues{orderID: orderID, values: make(map[string]Value)}
	b.machines[machineID] = ov
	return ov.values
}

// Set stores a value reported during orderID and reports whether it differs
// from the previous one.
func (b *Buffer) Set(machineID int, orderID string, name string, value float64, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set(machineID, orderID, strings.ToLower(name), Value{Value: value, Provenance: Reported, UpdatedAt: at})
}

func (b *Buffer) set(machineID int, orderID string, name string, v Value) bool {
	values := b.valuesOf(machineID, orderID)
	prev, existed := values[name]
	values[name] = v
	return !existed || prev.Value != v.Value || prev.Provenance != v.Provenance
}

func (b *Buffer) Get(machineID int, name string) (Value, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ov, ok := b.machines[machineID]
	if !ok {
		return Value{}, false
	}
	v, ok := ov.values[strings.ToLower(name)]
	return v, ok
}

// Order returns the order the machine's values belong to.
func (b *Buffer) Order(machineID int) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ov, ok := b.machines[machineID]
	if !ok {
		return "", false
	}
	return ov.orderID, true
}

// Snapshot returns a copy of all values of the machine.
func (b *Buffer) Snapshot(machineID int) map[string]Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ov, ok := b.machines[machineID]
	if !ok {
		return map[string]Value{}
	}
	out := make(map[string]Value, len(ov.values))
	for k, v := range ov.values {
		out[k] = v
	}
	return out
}

// Clear forgets the machine's values of orderID, used once the order has been
// finalised. Values of a newer order are kept.
func (b *Buffer) Clear(machineID int, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ov, ok := b.machines[machineID]; ok && ov.orderID == orderID {
		delete(b.machines, machineID)
	}
}

// Counts returns produced and good quantity of the machine's order. Values
// buffered for a previous order are dropped first. Reported
// values win, otherwise the values are derived from the order and kept as such.
// Without a reported yield, a reported scrap count gives yield = quantity - scrap.
func (b *Buffer) Counts(machineID int, order datamodel.ProductionOrder, at time.Time) (quantity float64, yield float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	values := b.valuesOf(machineID, order.ID)
	q, ok := values[b.names.Quantity]
	if !ok || q.Provenance != Reported {
		q = Value{Value: order.ConfirmedQuantity, Provenance: Derived, UpdatedAt: at}
		values[b.names.Quantity] = q
	}

	y, ok := values[b.names.Yield]
	if !ok || y.Provenance != Reported {
		if scrap, hasScrap := values[b.names.Scrap]; hasScrap && scrap.Provenance == Reported {
			y = Value{Value: q.Value - scrap.Value, Provenance: Derived, UpdatedAt: at}
		} else {
			y = Value{Value: order.ConfirmedYield, Provenance: Derived, UpdatedAt: at}
		}
		if y.Value < 0 {
			y.Value = 0
		}
		values[b.names.Yield] = y
	}
	return q.Value, y.Value
}

// Tracks reports whether name is one of the count metrics.
func (b *Buffer) Tracks(name string) bool {
	n := strings.ToLower(name)
	return n == b.names.Quantity || n == b.names.Yield || n == b.names.Scrap
}
