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

// Package rtos provides the small set of kernel primitives the message
// pipeline is written against: a bounded blocking message queue and an event
// group. Both are safe to use from the receive goroutine (which plays the
// interrupt role) as long as it only uses the non-blocking forms.
package rtos

import (
	"context"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
)

// WaitForever makes a receive or wait block until the context is done.
const WaitForever time.Duration = -1

// NoWait makes a send or receive return immediately.
const NoWait time.Duration = 0

// Queue is a fixed-depth FIFO of messages.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a queue holding at most depth messages.
func NewQueue[T any](depth int) *Queue[T] {
	if depth < 1 {
		depth = 1
	}
	return &Queue[T]{ch: make(chan T, depth)}
}

// Send appends msg, waiting up to timeout for room. With NoWait it never
// blocks and returns avrprobe.ErrQueueFull when the queue is at depth.
func (q *Queue[T]) Send(msg T, timeout time.Duration) error {
	select {
	case q.ch <- msg:
		return nil
	default:
	}
	if timeout == NoWait {
		return avrprobe.ErrQueueFull
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case q.ch <- msg:
		return nil
	case <-expired:
		return avrprobe.ErrQueueFull
	}
}

// Receive pops the oldest message. It returns avrprobe.ErrTimeout when
// timeout elapses first and ctx.Err() when ctx is done.
func (q *Queue[T]) Receive(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	select {
	case msg := <-q.ch:
		return msg, nil
	default:
	}
	if timeout == NoWait {
		return zero, avrprobe.ErrTimeout
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-q.ch:
		return msg, nil
	case <-expired:
		return zero, avrprobe.ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Reset discards every queued message.
func (q *Queue[T]) Reset() {
	for {
		select {
		case <-q.ch:
		default:
			return
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Depth returns the queue's capacity.
func (q *Queue[T]) Depth() int {
	return cap(q.ch)
}
