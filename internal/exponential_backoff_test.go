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

package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_GetBackoffTime(t *testing.T) {
	assert.Zero(t, GetBackoffTime(0, time.Millisecond, time.Second))
	assert.Zero(t, GetBackoffTime(3, 0, time.Second))
	for i := 0; i < 20; i++ {
		backOff := GetBackoffTime(int64(i), 1*time.Microsecond, 1*time.Second)
		assert.LessOrEqual(t, backOff, time.Second)
		assert.Less(t, backOff, time.Duration(int64(1)<<i)*time.Microsecond+time.Nanosecond)
	}
	assert.Equal(t, time.Second, GetBackoffTime(80, time.Millisecond, time.Second))
}

func Test_CyclesUntilConverge(t *testing.T) {
	var testTimes = []time.Duration{
		time.Millisecond,
		time.Microsecond,
		time.Nanosecond,
	}
	for _, testTime := range testTimes {
		var i = int64(0)
		for {
			backOff := GetBackoffTime(i, testTime, 1*time.Second)
			i += 1
			if backOff >= 1*time.Second {
				t.Logf("%s converged after %d iterations", testTime, i)
				break
			}
			if i > 200 {
				t.Fatalf("%s did not converge", testTime)
			}
		}
	}
}

func Test_Retry(t *testing.T) {
	b := Backoff{Attempts: 4, SlotTime: time.Microsecond, Maximum: time.Millisecond}
	boom := errors.New("boom")

	t.Run("succeeds eventually", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, "test", func() error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		}, nil)
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, "test", func() error {
			calls++
			return boom
		}, nil)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 4, calls)
	})

	t.Run("permanent error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, "test", func() error {
			calls++
			return boom
		}, func(error) bool { return false })
		assert.Equal(t, boom, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Retry(ctx, Backoff{Attempts: 3, SlotTime: time.Hour, Maximum: time.Hour}, "test", func() error {
			return boom
		}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
