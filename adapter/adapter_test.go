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

package adapter

import (
	"context"
	"testing"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo answers every request with 0x80 followed by the request bytes.
var echo = ProcessorFunc(func(_ context.Context, req, resp []byte) int {
	resp[0] = 0x80
	return 1 + copy(resp[1:], req)
})

func testConfig() *Config {
	return &Config{
		SlotSize:       128,
		Slots:          4,
		DequeueTimeout: 20 * time.Millisecond,
		TxTimeout:      50 * time.Millisecond,
		ReadBackoff:    time.Millisecond,
	}
}

func newAdapter(t *testing.T, layout *frame.Layout, proc Processor) (*Adapter, *avrprobe.MockEndpoint) {
	t.Helper()
	ep := avrprobe.NewMockEndpoint()
	a, err := New("test", ep, layout, proc, testConfig())
	require.NoError(t, err)
	return a, ep
}

// receiveAll drains every injected packet into the adapter.
func receiveAll(t *testing.T, a *Adapter, data []byte) {
	t.Helper()
	ep, ok := a.ep.(*avrprobe.MockEndpoint)
	require.True(t, ok)
	ep.Inject(data)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for got := 0; got < len(data); {
		n, err := a.Receive(ctx)
		require.NoError(t, err)
		got += n
	}
}

func encode(t *testing.T, layout *frame.Layout, seq uint16, payload []byte) []byte {
	t.Helper()
	out, err := frame.Encode(layout, seq, payload)
	require.NoError(t, err)
	return out
}

func decodeAll(t *testing.T, layout *frame.Layout, stream []byte) ([][]byte, []uint16) {
	t.Helper()
	return frame.NewDecoder(layout, 4096).Feed(stream)
}

func TestServeOne_EAST(t *testing.T) {
	t.Parallel()

	a, ep := newAdapter(t, &frame.EAST, echo)
	receiveAll(t, a, encode(t, &frame.EAST, 0, []byte{0x01, 0x02, 0x03}))

	require.NoError(t, a.ServeOne(context.Background()))

	assert.Equal(t, encode(t, &frame.EAST, 0, []byte{0x80, 0x01, 0x02, 0x03}), ep.Written())
	assert.Equal(t, 0, a.Queue().CountOfAllocated())

	m := a.Metrics()
	assert.Equal(t, int64(1), m.FramesReceived)
	assert.Equal(t, int64(1), m.ResponsesSent)
	assert.Zero(t, m.FramesDropped)
}

func TestServeOne_EchoesSequenceInOrder(t *testing.T) {
	t.Parallel()

	a, ep := newAdapter(t, &frame.ICEMKII, echo)
	stream := append(encode(t, &frame.ICEMKII, 7, []byte{0xA1}), encode(t, &frame.ICEMKII, 8, []byte{0xB2})...)
	receiveAll(t, a, stream)

	require.NoError(t, a.ServeOne(context.Background()))
	require.NoError(t, a.ServeOne(context.Background()))

	payloads, seqs := decodeAll(t, &frame.ICEMKII, ep.Written())
	assert.Equal(t, [][]byte{{0x80, 0xA1}, {0x80, 0xB2}}, payloads)
	assert.Equal(t, []uint16{7, 8}, seqs)
}

func TestSinkByte_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	a, ep := newAdapter(t, &frame.ICEMKII, echo)

	var stream []byte
	for seq := uint16(1); seq <= 4; seq++ {
		stream = append(stream, encode(t, &frame.ICEMKII, seq, []byte{byte(seq)})...)
	}
	receiveAll(t, a, stream)

	m := a.Metrics()
	assert.Equal(t, int64(4), m.FramesReceived)
	assert.Equal(t, int64(2), m.FramesDropped)
	assert.Equal(t, 2, a.Queue().CountOfAllocated())

	require.NoError(t, a.ServeOne(context.Background()))
	require.NoError(t, a.ServeOne(context.Background()))
	require.ErrorIs(t, a.ServeOne(context.Background()), avrprobe.ErrTimeout)

	// The host retransmits and the pipeline has room again.
	receiveAll(t, a, encode(t, &frame.ICEMKII, 3, []byte{3}))
	require.NoError(t, a.ServeOne(context.Background()))

	payloads, seqs := decodeAll(t, &frame.ICEMKII, ep.Written())
	assert.Equal(t, [][]byte{{0x80, 1}, {0x80, 2}, {0x80, 3}}, payloads)
	assert.Equal(t, []uint16{1, 2, 3}, seqs)
}

func TestSinkByte_SkipsCorruptFrame(t *testing.T) {
	t.Parallel()

	a, ep := newAdapter(t, &frame.EAST, echo)
	bad := encode(t, &frame.EAST, 0, []byte{0x10, 0x20})
	bad[len(bad)-2] ^= 0xFF
	receiveAll(t, a, append(bad, encode(t, &frame.EAST, 0, []byte{0x33})...))

	require.NoError(t, a.ServeOne(context.Background()))
	require.ErrorIs(t, a.ServeOne(context.Background()), avrprobe.ErrTimeout)

	payloads, _ := decodeAll(t, &frame.EAST, ep.Written())
	assert.Equal(t, [][]byte{{0x80, 0x33}}, payloads)
	m := a.Metrics()
	assert.Equal(t, int64(1), m.FramesReceived)
	assert.Equal(t, int64(1), m.FramesCorrupted)
	assert.Zero(t, m.FramesDropped)
}

func TestSinkByte_FrameSpanningPackets(t *testing.T) {
	t.Parallel()

	a, ep := newAdapter(t, &frame.EAST, echo)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	receiveAll(t, a, encode(t, &frame.EAST, 0, payload))

	require.NoError(t, a.ServeOne(context.Background()))
	payloads, _ := decodeAll(t, &frame.EAST, ep.Written())
	require.Len(t, payloads, 1)
	assert.Equal(t, payload, payloads[0][1:])
}

func TestSinkByte_OversizedFrameIgnored(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t, &frame.EAST, echo)
	receiveAll(t, a, encode(t, &frame.EAST, 0, make([]byte, 200)))
	assert.Zero(t, a.Metrics().FramesReceived)
	assert.Equal(t, int64(1), a.Metrics().FramesCorrupted)
}

func TestServeOne_EmptyResponseStillReleases(t *testing.T) {
	t.Parallel()

	silent := ProcessorFunc(func(context.Context, []byte, []byte) int { return 0 })
	a, ep := newAdapter(t, &frame.EAST, silent)
	receiveAll(t, a, encode(t, &frame.EAST, 0, []byte{0x01}))

	require.NoError(t, a.ServeOne(context.Background()))
	assert.Empty(t, ep.Written())
	assert.Equal(t, 0, a.Queue().CountOfAllocated())
	assert.Zero(t, a.Metrics().ResponsesSent)
}

func TestServeOne_OversizedResponse(t *testing.T) {
	t.Parallel()

	greedy := ProcessorFunc(func(_ context.Context, _, resp []byte) int { return len(resp) + 1 })
	a, _ := newAdapter(t, &frame.EAST, greedy)
	receiveAll(t, a, encode(t, &frame.EAST, 0, []byte{0x01}))

	require.ErrorIs(t, a.ServeOne(context.Background()), avrprobe.ErrDataTooLarge)
	assert.Equal(t, 0, a.Queue().CountOfAllocated())
}

func TestServeOne_NoWork(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t, &frame.EAST, echo)
	require.ErrorIs(t, a.ServeOne(context.Background()), avrprobe.ErrTimeout)
}

// shortEndpoint drops the final byte of every write.
type shortEndpoint struct {
	*avrprobe.MockEndpoint
}

func (s shortEndpoint) WriteFrom(ctx context.Context, src avrprobe.ByteSource, size int) error {
	return s.MockEndpoint.WriteFrom(ctx, src, size-1)
}

func TestServeOne_TxTimeout(t *testing.T) {
	t.Parallel()

	ep := shortEndpoint{avrprobe.NewMockEndpoint()}
	a, err := New("short", ep, &frame.EAST, echo, testConfig())
	require.NoError(t, err)

	ep.Inject(encode(t, &frame.EAST, 0, []byte{0x01}))
	_, err = a.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.ServeOne(context.Background()))
	m := a.Metrics()
	assert.Equal(t, int64(1), m.TxTimeouts)
	assert.Zero(t, m.ResponsesSent)
	assert.Equal(t, 0, a.Queue().CountOfAllocated())
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	a, ep := newAdapter(t, &frame.ICEMKII, echo)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx))

	var want [][]byte
	for seq := uint16(0); seq < 10; seq++ {
		payload := []byte{byte(seq), 0x55}
		want = append(want, append([]byte{0x80}, payload...))
		ep.Inject(encode(t, &frame.ICEMKII, seq, payload))

		// One request in flight at a time keeps the queue from dropping.
		_, err := ep.WaitWritten(ctx, int(seq+1)*frame.ICEMKII.FrameSize(3))
		require.NoError(t, err)
	}

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx))

	payloads, seqs := decodeAll(t, &frame.ICEMKII, ep.Written())
	assert.Equal(t, want, payloads)
	for i, seq := range seqs {
		assert.Equal(t, uint16(i), seq)
	}
	assert.NoError(t, a.Err())
}

func TestEndpointFailureStopsAdapter(t *testing.T) {
	t.Parallel()

	a, ep := newAdapter(t, &frame.EAST, echo)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, ep.Close())

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not stop after endpoint closed")
	}
	require.ErrorIs(t, a.Err(), avrprobe.ErrTransportClosed)
	assert.True(t, avrprobe.IsFatal(a.Err()))
	require.NoError(t, a.Stop(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	ep := avrprobe.NewMockEndpoint()
	_, err := New("tiny", ep, &frame.ICEMKII, echo, &Config{SlotSize: 2, Slots: 4})
	require.ErrorIs(t, err, avrprobe.ErrInvalidSize)

	_, err = New("one", ep, &frame.EAST, echo, &Config{SlotSize: 16, Slots: 1})
	require.ErrorIs(t, err, avrprobe.ErrArenaTooSmall)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := (*Config)(nil).withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	partial := (&Config{Slots: 9}).withDefaults()
	assert.Equal(t, 9, partial.Slots)
	assert.Equal(t, avrprobe.DefaultSlotSize, partial.SlotSize)
}
