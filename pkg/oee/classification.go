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

package oee

import (
	"fmt"

	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

// Thresholds are the lower bounds, in percent, of each classification tier.
type Thresholds struct {
	WorldClass float64 `json:"worldClass"`
	Excellent  float64 `json:"excellent"`
	Good       float64 `json:"good"`
	Average    float64 `json:"average"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WorldClass: 85,
		Excellent:  75,
		Good:       65,
		Average:    40,
	}
}

// Validate requires strictly descending cut points.
func (t Thresholds) Validate() error {
	if !(t.WorldClass > t.Excellent && t.Excellent > t.Good && t.Good > t.Average) {
		return fmt.Errorf("oee thresholds must be descending, got %+v", t)
	}
	return nil
}

// Classify applies the cut points in descending order, the first one reached wins.
func (t Thresholds) Classify(oeePercent float64) datamodel.Classification {
	tiers := []struct {
		min   float64
		class datamodel.Classification
	}{
		{t.WorldClass, datamodel.ClassWorldClass},
		{t.Excellent, datamodel.ClassExcellent},
		{t.Good, datamodel.ClassGood},
		{t.Average, datamodel.ClassAverage},
	}
	for _, tier := range tiers {
		if oeePercent >= tier.min {
			return tier.class
		}
	}
	return datamodel.ClassBelowAverage
}
