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

package main

import (
	"context"
	"sync/atomic"

	"github.com/united-manufacturing-hub/oee-calculator/cmd/oee-calculator/mqtt"
	"github.com/united-manufacturing-hub/oee-calculator/pkg/datamodel"
)

// lazyBroadcaster forwards to the MQTT broadcaster once the client exists.
type lazyBroadcaster struct {
	b atomic.Pointer[mqtt.Broadcaster]
}

func (l *lazyBroadcaster) set(b *mqtt.Broadcaster) {
	l.b.Store(b)
}

func (l *lazyBroadcaster) Name() string {
	return "mqtt"
}

func (l *lazyBroadcaster) Broadcast(ctx context.Context, m datamodel.OEEMetrics) error {
	b := l.b.Load()
	if b == nil {
		return mqtt.ErrNotConnected
	}
	return b.Broadcast(ctx, m)
}
