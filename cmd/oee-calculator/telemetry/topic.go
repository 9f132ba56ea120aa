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
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindCommand Kind = "DCMD"
	KindData    Kind = "DDATA"
)

var ErrInvalidTopic = errors.New("invalid topic")

// Topic is <namespace>/<plant>/<area>/<DCMD|DDATA>/<machine>/<metric>.
type Topic struct {
	Namespace string
	Plant     string
	Area      string
	Kind      Kind
	Machine   string
	Metric    string
}

func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 6 {
		return Topic{}, fmt.Errorf("%w: %q has %d segments, want 6", ErrInvalidTopic, topic, len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return Topic{}, fmt.Errorf("%w: %q has an empty segment at %d", ErrInvalidTopic, topic, i)
		}
	}
	kind := Kind(strings.ToUpper(parts[3]))
	if kind != KindCommand && kind != KindData {
		return Topic{}, fmt.Errorf("%w: %q has message kind %q", ErrInvalidTopic, topic, parts[3])
	}
	return Topic{
		Namespace: parts[0],
		Plant:     parts[1],
		Area:      parts[2],
		Kind:      kind,
		Machine:   parts[4],
		Metric:    parts[5],
	}, nil
}

func (t Topic) String() string {
	return strings.Join([]string{t.Namespace, t.Plant, t.Area, string(t.Kind), t.Machine, t.Metric}, "/")
}

// SubscriptionFilter returns the filter for every message of machine below prefix.
// prefix covers <namespace>/<plant>/<area> and may contain wildcards.
func SubscriptionFilter(prefix string, machine string) string {
	return fmt.Sprintf("%s/+/%s/#", strings.TrimSuffix(prefix, "/"), machine)
}
