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
	"sync"

	"github.com/united-manufacturing-hub/oee-calculator/internal"
	"go.uber.org/zap"
)

// Task is the processing of one message for one machine.
type Task func(ctx context.Context)

type job struct {
	machineID int
	task      Task
}

// Dispatcher runs tasks on a fixed set of workers. All tasks of one machine
// land on the same worker and run in submission order, different machines run
// in parallel.
type Dispatcher struct {
	queues []chan job
	wg     sync.WaitGroup
	once   sync.Once
}

func NewDispatcher(workers int, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{queues: make([]chan job, workers)}
	for i := range d.queues {
		d.queues[i] = make(chan job, queueSize)
	}
	return d
}

// Start launches the workers. Tasks receive ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, q := range d.queues {
		d.wg.Add(1)
		go func(worker int, q chan job) {
			defer d.wg.Done()
			for j := range q {
				d.run(ctx, j)
			}
			zap.S().Debugf("Dispatcher worker %d stopped", worker)
		}(i, q)
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Recovered from panic while processing machine %d: %v", j.machineID, r)
		}
	}()
	j.task(ctx)
}

// Submit queues task for machineID. It blocks while the machine's worker is
// full and gives up when ctx is done.
func (d *Dispatcher) Submit(ctx context.Context, machineID int, task Task) bool {
	q := d.queues[internal.Shard(machineID, len(d.queues))]
	select {
	case q <- job{machineID: machineID, task: task}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop drains the queues and waits for the workers. Submit must not be called afterwards.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}
