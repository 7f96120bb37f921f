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

package testing

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ZaparooProject/go-avrprobe/internal/frame"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
)

// ErrWireClosed is returned by HostWire after Close.
var ErrWireClosed = errors.New("host wire closed")

// HostWire is the host end of a serial link seen from the device. Bytes the
// test sends with Send come out of Read; bytes the device writes are decoded
// as frames of the configured layout. Read returns (0, nil) after the read
// timeout like a serial port does.
type HostWire struct {
	layout      *frame.Layout
	decoder     *frame.Decoder
	pending     []byte
	raw         []byte
	payloads    [][]byte
	seqs        []uint16
	arrived     chan struct{}
	written     chan struct{}
	mu          syncutil.Mutex
	readTimeout time.Duration
	closed      bool
}

// NewHostWire creates a wire decoding device output with layout.
func NewHostWire(layout *frame.Layout) *HostWire {
	return &HostWire{
		layout:      layout,
		decoder:     frame.NewDecoder(layout, 4096),
		arrived:     make(chan struct{}, 1),
		written:     make(chan struct{}, 1),
		readTimeout: 20 * time.Millisecond,
	}
}

// SetReadTimeout sets how long Read waits for host bytes.
func (w *HostWire) SetReadTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readTimeout = d
}

// Send queues raw host bytes for the device.
func (w *HostWire) Send(data []byte) {
	w.mu.Lock()
	w.pending = append(w.pending, data...)
	w.mu.Unlock()
	signal(w.arrived)
}

// SendFrame encodes payload and queues it.
func (w *HostWire) SendFrame(seq uint16, payload []byte) error {
	stream, err := frame.Encode(w.layout, seq, payload)
	if err != nil {
		return err
	}
	w.Send(stream)
	return nil
}

// Read implements io.Reader for the device side.
func (w *HostWire) Read(p []byte) (int, error) {
	w.mu.Lock()
	timeout := w.readTimeout
	w.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return 0, ErrWireClosed
		}
		if len(w.pending) > 0 {
			n := copy(p, w.pending)
			w.pending = w.pending[n:]
			w.mu.Unlock()
			return n, nil
		}
		w.mu.Unlock()

		select {
		case <-w.arrived:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Write implements io.Writer for the device side.
func (w *HostWire) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrWireClosed
	}
	w.raw = append(w.raw, p...)
	payloads, seqs := w.decoder.Feed(p)
	w.payloads = append(w.payloads, payloads...)
	w.seqs = append(w.seqs, seqs...)
	w.mu.Unlock()
	signal(w.written)
	return len(p), nil
}

// Close makes further reads and writes fail.
func (w *HostWire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		signal(w.arrived)
	}
	return nil
}

// Raw returns every byte the device wrote.
func (w *HostWire) Raw() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.raw...)
}

// WaitResponses blocks until n complete frames have been written and returns
// their payloads and sequence numbers.
func (w *HostWire) WaitResponses(ctx context.Context, n int) ([][]byte, []uint16, error) {
	for {
		w.mu.Lock()
		if len(w.payloads) >= n {
			payloads := append([][]byte(nil), w.payloads...)
			seqs := append([]uint16(nil), w.seqs...)
			w.mu.Unlock()
			return payloads, seqs, nil
		}
		w.mu.Unlock()

		select {
		case <-w.written:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var _ io.ReadWriter = (*HostWire)(nil)
