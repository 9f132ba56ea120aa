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
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const Int64Max = 1<<63 - 1

// ErrRetriesExhausted wraps the last error of a Retry that never succeeded.
var ErrRetriesExhausted = errors.New("retries exhausted")

// GetBackoffTime returns a random backoff in [0, 2^retries) slots, capped at maximum.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) (backoff time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			backoff = maximum
		}
	}()

	if slotTime <= 0 || retries <= 0 {
		return 0
	}
	// rand.Int63n is [0, n), so the usual -1 is not needed
	if retries >= 63 {
		return maximum
	}
	slots := rand.Int63n(int64(1) << retries)

	// overflow
	if uint64(slotTime.Nanoseconds())*uint64(slots) > Int64Max {
		return maximum
	}

	backoff = time.Duration(slots) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

// SleepBackedOff sleeps for a backoff period or until ctx is done.
func SleepBackedOff(ctx context.Context, retries int64, slotTime time.Duration, maximum time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(GetBackoffTime(retries, slotTime, maximum))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff describes a bounded retry policy.
type Backoff struct {
	Attempts int
	SlotTime time.Duration
	Maximum  time.Duration
}

// Retry calls fn until it succeeds, the attempts are used up or retryable reports
// that the error is permanent. A nil retryable retries every error.
func Retry(ctx context.Context, b Backoff, name string, fn func() error, retryable func(error) bool) error {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		if attempt > 0 {
			if errS := SleepBackedOff(ctx, int64(attempt), b.SlotTime, b.Maximum); errS != nil {
				return errS
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		zap.S().Debugf("%s failed (attempt %d/%d): %v", name, attempt+1, b.Attempts, err)
	}
	return errors.Join(ErrRetriesExhausted, err)
}
