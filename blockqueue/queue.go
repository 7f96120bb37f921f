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

// Package blockqueue implements a fixed-capacity ring of fixed-size byte
// slots that hands buffer ownership from a producer to a consumer without
// copying.
//
// The producer side is two-phase: Allocate borrows the next free slot and
// Enqueue publishes it. The consumer side mirrors it: Dequeue borrows the
// oldest published slot and Release returns it to the free pool. Each side
// may hold at most one slot at a time. A ring of N slots holds at most N-1
// published slots so that a full ring and an empty ring stay distinguishable.
//
// Allocate, Enqueue and the count accessors never block, so they are safe to
// call from a receive loop that must not stall. Only Dequeue waits.
package blockqueue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/rtos"
)

// slotAlign is the alignment of every slot inside the arena.
const slotAlign = 4

const noSlot = -1

type message struct {
	slot int32
	size int32
}

// Queue is a block variable queue. The zero value is not usable; create one
// with Init or New.
type Queue struct {
	msgs     *rtos.Queue[message]
	slots    [][]byte
	sizes    []int32
	slotSize int
	n        uint32

	// Each cursor and marker advances from exactly one side: in and
	// produced from the producer, out and consumed from the consumer.
	in       atomic.Uint32
	out      atomic.Uint32
	produced atomic.Int32
	consumed atomic.Int32
}

// Init carves a queue of slotSize-byte slots out of arena. Slots start on
// 4-byte boundaries relative to the arena. It fails with
// avrprobe.ErrArenaTooSmall when fewer than two slots fit.
func Init(arena []byte, slotSize int) (*Queue, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("slot size %d: %w", slotSize, avrprobe.ErrInvalidSize)
	}

	stride := (slotSize + slotAlign - 1) &^ (slotAlign - 1)
	count := len(arena) / stride
	if count < 2 {
		return nil, fmt.Errorf("arena of %d bytes holds %d slots of %d: %w",
			len(arena), count, slotSize, avrprobe.ErrArenaTooSmall)
	}

	q := &Queue{
		msgs:     rtos.NewQueue[message](count - 1),
		slots:    make([][]byte, count),
		sizes:    make([]int32, count),
		slotSize: slotSize,
		n:        uint32(count),
	}
	for i := range q.slots {
		start := i * stride
		q.slots[i] = arena[start : start+slotSize : start+slotSize]
	}
	q.produced.Store(noSlot)
	q.consumed.Store(noSlot)

	avrprobe.Debugf("blockqueue: %d slots of %d bytes (stride %d)", count, slotSize, stride)
	return q, nil
}

// New allocates its own arena for slots slots of slotSize bytes.
func New(slots, slotSize int) (*Queue, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("slot size %d: %w", slotSize, avrprobe.ErrInvalidSize)
	}
	stride := (slotSize + slotAlign - 1) &^ (slotAlign - 1)
	return Init(make([]byte, slots*stride), slotSize)
}

// Allocate borrows the next free slot for the producer. The returned buffer
// spans the whole slot. Calling Allocate again before Enqueue returns the same
// slot together with avrprobe.ErrAlreadyAllocated. When every usable slot is
// taken it returns avrprobe.ErrQueueFull and the caller is expected to drop
// its data.
func (q *Queue) Allocate() ([]byte, error) {
	if p := q.produced.Load(); p != noSlot {
		return q.slots[p], avrprobe.ErrAlreadyAllocated
	}

	in := q.in.Load()
	if (in+1)%q.n == q.out.Load() {
		return nil, avrprobe.ErrQueueFull
	}

	q.produced.Store(int32(in))
	return q.slots[in], nil
}

// Enqueue publishes the allocated slot holding size valid bytes.
func (q *Queue) Enqueue(size int) error {
	p := q.produced.Load()
	if p == noSlot {
		return avrprobe.ErrNotAllocated
	}
	if size <= 0 || size > q.slotSize {
		return fmt.Errorf("enqueue %d bytes into %d-byte slot: %w", size, q.slotSize, avrprobe.ErrInvalidSize)
	}

	q.sizes[p] = int32(size)
	q.in.Store((uint32(p) + 1) % q.n)
	q.produced.Store(noSlot)

	// Depth is N-1 and at most N-1 slots can be published, so this only
	// fails if the cursors were corrupted.
	if err := q.msgs.Send(message{slot: p, size: int32(size)}, rtos.NoWait); err != nil {
		return fmt.Errorf("publish slot %d: %w", p, err)
	}
	return nil
}

// Dequeue waits up to timeout for the oldest published slot and returns its
// valid bytes. avrprobe.ErrTimeout means no work arrived; it is not a fault.
// Calling Dequeue again before Release returns avrprobe.ErrAlreadyDequeued.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if q.consumed.Load() != noSlot {
		return nil, avrprobe.ErrAlreadyDequeued
	}

	msg, err := q.msgs.Receive(ctx, timeout)
	if err != nil {
		return nil, err
	}

	q.consumed.Store(msg.slot)
	return q.slots[msg.slot][:msg.size], nil
}

// Release returns the dequeued slot to the free pool.
func (q *Queue) Release() error {
	if q.consumed.Load() == noSlot {
		return avrprobe.ErrNotDequeued
	}

	out := q.out.Load()
	if q.in.Load() == out {
		return avrprobe.ErrQueueEmpty
	}

	q.out.Store((out + 1) % q.n)
	q.consumed.Store(noSlot)
	return nil
}

// Capacity returns the number of slots in the ring. One fewer can be
// published at once.
func (q *Queue) Capacity() int {
	return int(q.n)
}

// SlotSize returns the size of each slot in bytes.
func (q *Queue) SlotSize() int {
	return q.slotSize
}

// CountOfAllocated returns the number of published slots not yet released.
func (q *Queue) CountOfAllocated() int {
	in := q.in.Load()
	out := q.out.Load()
	return int((in + q.n - out) % q.n)
}

// CountOfFree returns how many more slots can be published.
func (q *Queue) CountOfFree() int {
	return int(q.n) - 1 - q.CountOfAllocated()
}

// Reset empties the queue and clears both ownership markers. The caller must
// ensure neither side is using the queue concurrently.
func (q *Queue) Reset() {
	q.msgs.Reset()
	q.in.Store(0)
	q.out.Store(0)
	q.produced.Store(noSlot)
	q.consumed.Store(noSlot)
}
