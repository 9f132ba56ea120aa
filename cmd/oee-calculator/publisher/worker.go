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
	"context"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
	"go.uber.org/zap"
)

// broadcastWorker feeds one broadcaster from a single goroutine. Only the newest
// pending snapshot of a machine is kept, so a slow broadcaster skips snapshots
// but never delivers an older one after a newer one.
type broadcastWorker struct {
	b       Broadcaster
	timeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []int
	pending map[int]datamodel.OEEMetrics
	busy    bool
	closed  bool
}

func newBroadcastWorker(b Broadcaster, timeout time.Duration) *broadcastWorker {
	w := &broadcastWorker{
		b:       b,
		timeout: timeout,
		pending: make(map[int]datamodel.OEEMetrics),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *broadcastWorker) offer(m datamodel.OEEMetrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, queued := w.pending[m.MachineID]; !queued {
		w.queue = append(w.queue, m.MachineID)
	}
	w.pending[m.MachineID] = m
	w.cond.Broadcast()
}

// run delivers queued snapshots until the worker is closed and drained.
func (w *broadcastWorker) run() {
	w.mu.Lock()
	for {
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		machineID := w.queue[0]
		w.queue = w.queue[1:]
		m := w.pending[machineID]
		delete(w.pending, machineID)
		w.busy = true
		w.mu.Unlock()

		w.deliver(m)

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
	}
}

func (w *broadcastWorker) deliver(m datamodel.OEEMetrics) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.b.Broadcast(ctx, m); err != nil {
		broadcastFailures.WithLabelValues(w.b.Name()).Inc()
		zap.S().Warnf("Failed to broadcast metrics of machine %d via %s: %v", m.MachineID, w.b.Name(), err)
	}
}

// idle blocks until nothing is queued or in flight.
func (w *broadcastWorker) idle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 || w.busy {
		w.cond.Wait()
	}
}

func (w *broadcastWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.cond.Broadcast()
}
