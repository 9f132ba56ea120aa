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

package telemetry

import (
	"context"
	"sync/atomic"
	"time"
)

// Watchdog detects an ingestion connection that went silent.
type Watchdog struct {
	timeout time.Duration
	now     func() time.Time
	last    atomic.Int64
}

func NewWatchdog(timeout time.Duration, now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}
	w := &Watchdog{timeout: timeout, now: now}
	w.Touch()
	return w
}

// Touch records that a message arrived.
func (w *Watchdog) Touch() {
	w.last.Store(w.now().UnixNano())
}

func (w *Watchdog) LastMessage() time.Time {
	return time.Unix(0, w.last.Load())
}

func (w *Watchdog) Stalled() bool {
	return w.now().Sub(w.LastMessage()) > w.timeout
}

// Run calls onStall whenever the connection is stalled, then restarts the
// silence interval. It returns when ctx is done.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration, onStall func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Stalled() {
				onStall()
				w.Touch()
			}
		}
	}
}
