// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package avrprobe

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig shapes RetryWithConfig's exponential backoff.
type RetryConfig struct {
	// MaxAttempts bounds the calls; 0 or less calls once without retrying.
	MaxAttempts int
	// InitialBackoff is the pause after the first failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the pause.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the pause after every failure.
	BackoffMultiplier float64
	// Jitter stretches each pause by up to this fraction.
	Jitter float64
	// RetryTimeout bounds all attempts together; 0 means no bound.
	RetryTimeout time.Duration
}

// DefaultRetryConfig suits short operations on an open link.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// ConnectionRetryConfig is used when opening host ports and target buses,
// which may appear a little after the daemon starts (gadget enumeration).
func ConnectionRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       DefaultConnectionRetries,
		InitialBackoff:    ConnectionInitialBackoff,
		MaxBackoff:        ConnectionMaxBackoff,
		BackoffMultiplier: ConnectionBackoffMultiplier,
		Jitter:            ConnectionJitter,
		RetryTimeout:      ConnectionRetryTimeout,
	}
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc func() error

// RetryWithConfig calls fn until it succeeds, fails with an error that
// IsRetryable rejects, or the attempts or time run out. op names the
// operation in debug output and in the exhaustion error. A nil config means
// DefaultRetryConfig.
func RetryWithConfig(ctx context.Context, config *RetryConfig, op string, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return fn()
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	delay := config.InitialBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		lastErr = fn()
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= config.MaxAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, lastErr)
		}

		Debugf("%s: attempt %d/%d failed: %v", op, attempt, config.MaxAttempts, lastErr)
		if !pause(ctx, jittered(delay, config.Jitter)) {
			return lastErr
		}
		delay = nextBackoff(delay, config)
	}
}

// pause sleeps for d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current time.Duration, config *RetryConfig) time.Duration {
	return min(time.Duration(float64(current)*config.BackoffMultiplier), config.MaxBackoff)
}

// jittered stretches d by a random fraction in [0, factor).
func jittered(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	//nolint:gosec // backoff spread, not a secret
	return d + time.Duration(rand.Float64()*factor*float64(d))
}
