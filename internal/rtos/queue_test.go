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
	"testing"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](3)
	require.NoError(t, q.Send(1, NoWait))
	require.NoError(t, q.Send(2, NoWait))
	require.NoError(t, q.Send(3, NoWait))
	assert.Equal(t, 3, q.Len())

	for want := 1; want <= 3; want++ {
		got, err := q.Receive(context.Background(), NoWait)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestQueue_SendFullNoWait(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	require.NoError(t, q.Send(1, NoWait))
	assert.ErrorIs(t, q.Send(2, NoWait), avrprobe.ErrQueueFull)
	assert.ErrorIs(t, q.Send(2, 10*time.Millisecond), avrprobe.ErrQueueFull)
}

func TestQueue_SendWaitsForRoom(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	require.NoError(t, q.Send(1, NoWait))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = q.Receive(context.Background(), NoWait)
	}()

	require.NoError(t, q.Send(2, time.Second))
	got, err := q.Receive(context.Background(), NoWait)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestQueue_ReceiveTimeout(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](2)
	start := time.Now()
	_, err := q.Receive(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, avrprobe.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = q.Receive(context.Background(), NoWait)
	assert.ErrorIs(t, err, avrprobe.ErrTimeout)
}

func TestQueue_ReceiveContextCancelled(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](2)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := q.Receive(ctx, WaitForever)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_Reset(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](4)
	for i := range 4 {
		require.NoError(t, q.Send(i, NoWait))
	}
	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 4, q.Depth())
}

func TestQueue_MinimumDepth(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](0)
	assert.Equal(t, 1, q.Depth())
}
