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

package rtos

import (
	"context"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
)

// EventBits is a set of event flags.
type EventBits uint32

// WaitMode selects how Wait matches the requested bits.
type WaitMode int

const (
	// WaitAny returns once any requested bit is set.
	WaitAny WaitMode = iota
	// WaitAll returns once every requested bit is set.
	WaitAll
)

// EventGroup is a set of flags that can be set from any goroutine and waited
// on by one or more others.
type EventGroup struct {
	changed chan struct{}
	mu      syncutil.Mutex
	bits    EventBits
}

// NewEventGroup creates an event group with every bit clear.
func NewEventGroup() *EventGroup {
	return &EventGroup{changed: make(chan struct{})}
}

// Set raises bits and wakes all waiters. It never blocks.
func (g *EventGroup) Set(bits EventBits) EventBits {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bits |= bits
	close(g.changed)
	g.changed = make(chan struct{})
	return g.bits
}

// Clear lowers bits and returns the value before clearing.
func (g *EventGroup) Clear(bits EventBits) EventBits {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.bits
	g.bits &^= bits
	return prev
}

// Get returns the current bits.
func (g *EventGroup) Get() EventBits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bits
}

// Wait blocks until bits match mode, timeout elapses or ctx is done. When
// clearOnExit is true the requested bits are cleared on a successful match.
// The returned value is the group's bits at the time of return.
func (g *EventGroup) Wait(
	ctx context.Context, bits EventBits, mode WaitMode, clearOnExit bool, timeout time.Duration,
) (EventBits, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		g.mu.Lock()
		current := g.bits
		if matches(current, bits, mode) {
			if clearOnExit {
				g.bits &^= bits
			}
			g.mu.Unlock()
			return current, nil
		}
		changed := g.changed
		g.mu.Unlock()

		if timeout == NoWait {
			return current, avrprobe.ErrTimeout
		}

		select {
		case <-changed:
		case <-expired:
			return g.Get(), avrprobe.ErrTimeout
		case <-ctx.Done():
			return g.Get(), ctx.Err()
		}
	}
}

func matches(current, want EventBits, mode WaitMode) bool {
	if mode == WaitAll {
		return current&want == want
	}
	return current&want != 0
}
