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

package datamodel

import "time"

type Lifecycle string

const (
	LifecycleNotStarted Lifecycle = "not_started"
	LifecycleStarted    Lifecycle = "started"
	LifecycleEnded      Lifecycle = "ended"
)

type Classification string

const (
	ClassWorldClass   Classification = "world_class"
	ClassExcellent    Classification = "excellent"
	ClassGood         Classification = "good"
	ClassAverage      Classification = "average"
	ClassBelowAverage Classification = "below_average"
)

// Rank orders the classification tiers, higher is better.
func (c Classification) Rank() int {
	switch c {
	case ClassWorldClass:
		return 4
	case ClassExcellent:
		return 3
	case ClassGood:
		return 2
	case ClassAverage:
		return 1
	}
	return 0
}

type Scale string

const (
	ScalePercent  Scale = "percent"
	ScaleFraction Scale = "fraction"
)

// OEEMetrics is a computed snapshot for one production order. A new value
// is produced on every computation, snapshots are never mutated.
type OEEMetrics struct {
	OrderID             string     `json:"orderId"`
	MachineID           int        `json:"machineId"`
	MaterialID          string     `json:"materialId"`
	MaterialDescription string     `json:"materialDescription"`
	PlannedStart        time.Time  `json:"plannedStart"`
	PlannedEnd          time.Time  `json:"plannedEnd"`
	ActualStart         *time.Time `json:"actualStart,omitempty"`
	ActualEnd           *time.Time `json:"actualEnd,omitempty"`
	PlannedQuantity     float64    `json:"plannedQuantity"`
	ActualQuantity      float64    `json:"actualQuantity"`
	ActualYield         float64    `json:"actualYield"`

	Availability   float64        `json:"availability"`
	Performance    float64        `json:"performance"`
	Quality        float64        `json:"quality"`
	OEE            float64        `json:"oee"`
	Scale          Scale          `json:"scale"`
	Classification Classification `json:"classification"`

	PlannedTaktMinutes float64 `json:"plannedTaktMinutes"`
	// ActualTaktMinutes is zero while no actual takt can be derived.
	ActualTaktMinutes float64   `json:"actualTaktMinutes"`
	RemainingMinutes  float64   `json:"remainingMinutes"`
	ExpectedEnd       time.Time `json:"expectedEnd"`

	RuntimeMinutes           float64 `json:"runtimeMinutes"`
	PlannedDowntimeMinutes   float64 `json:"plannedDowntimeMinutes"`
	UnplannedDowntimeMinutes float64 `json:"unplannedDowntimeMinutes"`
	MicrostopMinutes         float64 `json:"microstopMinutes"`
	BreakMinutes             float64 `json:"breakMinutes"`

	Lifecycle  Lifecycle `json:"lifecycle"`
	Terminal   bool      `json:"terminal"`
	ComputedAt time.Time `json:"computedAt"`
}

type HourBucket struct {
	Start                    time.Time `json:"start"`
	ProductionMinutes        float64   `json:"productionMinutes"`
	PlannedDowntimeMinutes   float64   `json:"plannedDowntimeMinutes"`
	UnplannedDowntimeMinutes float64   `json:"unplannedDowntimeMinutes"`
	MicrostopMinutes         float64   `json:"microstopMinutes"`
	BreakMinutes             float64   `json:"breakMinutes"`
}
