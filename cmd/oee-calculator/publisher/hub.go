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

package publisher

import (
	"sync"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

// Subscription receives the snapshots of one machine until it is dropped.
// C is closed when the subscription ends.
type Subscription struct {
	id        uint64
	machineID int
	C         <-chan datamodel.OEEMetrics
	c         chan datamodel.OEEMetrics
}

// Hub fans snapshots out to subscribers without ever blocking the publisher.
type Hub struct {
	size int

	mu     sync.Mutex
	nextID uint64
	subs   map[int]map[uint64]*Subscription
}

func NewHub(size int) *Hub {
	if size <= 0 {
		size = 1
	}
	return &Hub{size: size, subs: make(map[int]map[uint64]*Subscription)}
}

func (h *Hub) Subscribe(machineID int) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := make(chan datamodel.OEEMetrics, h.size)
	s := &Subscription{id: h.nextID, machineID: machineID, C: c, c: c}
	if h.subs[machineID] == nil {
		h.subs[machineID] = make(map[uint64]*Subscription)
	}
	h.subs[machineID][s.id] = s
	return s
}

// Unsubscribe is safe to call for an already dropped subscription.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(s)
}

func (h *Hub) remove(s *Subscription) {
	subs, ok := h.subs[s.machineID]
	if !ok {
		return
	}
	if _, ok = subs[s.id]; !ok {
		return
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(h.subs, s.machineID)
	}
	close(s.c)
}

// Broadcast hands m to every subscriber of its machine. A subscriber whose
// buffer is full is dropped.
func (h *Hub) Broadcast(m datamodel.OEEMetrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[m.MachineID] {
		select {
		case s.c <- m:
		default:
			zap.S().Warnf("Dropping slow subscriber %d of machine %d", s.id, s.machineID)
			subscribersDropped.Inc()
			h.remove(s)
		}
	}
}

func (h *Hub) Subscribers(machineID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[machineID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for _, s := range subs {
			h.remove(s)
		}
	}
}
