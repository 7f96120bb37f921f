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
	"time"

	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
)

// ByteSink consumes host bytes one at a time. The receive path of a channel
// adapter implements it.
type ByteSink interface {
	SinkByte(b byte)
}

// ByteSource produces outgoing bytes one at a time. ok is false once the
// source has nothing more to send.
type ByteSource interface {
	SourceByte() (b byte, ok bool)
}

// Endpoint is a host-facing byte pipe: a USB CDC serial port, a websocket or
// a test double. Endpoints move data in packets of at most EndpointPacketSize
// bytes.
type Endpoint interface {
	// ReadTo blocks until at least one host packet arrives and pushes every
	// byte of it into sink. It returns the number of bytes delivered.
	ReadTo(ctx context.Context, sink ByteSink) (int, error)

	// WriteFrom pulls size bytes from src and sends them to the host.
	WriteFrom(ctx context.Context, src ByteSource, size int) error

	// Close releases the endpoint. Pending ReadTo calls return an error.
	Close() error

	// Name identifies the endpoint in logs.
	Name() string
}

// TargetPort is the SPI link to a target AVR together with its reset line.
type TargetPort interface {
	// Attach drives reset low and enables the SPI pins.
	Attach() error

	// Detach releases the SPI pins and reset.
	Detach() error

	// PulseClock nudges the target out of a desynchronised state between
	// program-enable attempts.
	PulseClock() error

	// StartExchange begins a full-duplex transfer of len(tx) bytes into rx.
	// done is called exactly once when the transfer finishes. It may be
	// called from another goroutine.
	StartExchange(tx, rx []byte, done func(error)) error

	// Name identifies the port in logs.
	Name() string
}

// FillPacket pulls bytes from src into pkt until pkt is full or src is
// exhausted and returns the count.
func FillPacket(src ByteSource, pkt []byte) int {
	n := 0
	for n < len(pkt) {
		b, ok := src.SourceByte()
		if !ok {
			break
		}
		pkt[n] = b
		n++
	}
	return n
}

// MockEndpoint is an in-memory Endpoint for tests. Host bytes queued with
// Inject are delivered in packets of at most EndpointPacketSize bytes and
// everything the device writes is collected for inspection.
type MockEndpoint struct {
	readErr  error
	writeErr error
	packets  chan []byte
	written  []byte
	writes   int
	notify   chan struct{}
	closed   chan struct{}
	mu       syncutil.Mutex
	isClosed bool
}

// NewMockEndpoint creates an empty mock endpoint.
func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{
		packets: make(chan []byte, 256),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Inject queues host bytes, split into endpoint-sized packets.
func (m *MockEndpoint) Inject(data []byte) {
	for len(data) > 0 {
		n := min(len(data), EndpointPacketSize)
		pkt := make([]byte, n)
		copy(pkt, data[:n])
		m.packets <- pkt
		data = data[n:]
	}
}

// SetReadError makes the next ReadTo calls fail with err. Pass nil to clear.
func (m *MockEndpoint) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetWriteError makes WriteFrom fail with err. Pass nil to clear.
func (m *MockEndpoint) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// ReadTo implements Endpoint.
func (m *MockEndpoint) ReadTo(ctx context.Context, sink ByteSink) (int, error) {
	m.mu.Lock()
	err := m.readErr
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case pkt := <-m.packets:
		for _, b := range pkt {
			sink.SinkByte(b)
		}
		return len(pkt), nil
	case <-m.closed:
		return 0, NewTransportClosedError("read", "mock")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WriteFrom implements Endpoint.
func (m *MockEndpoint) WriteFrom(ctx context.Context, src ByteSource, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.isClosed {
		m.mu.Unlock()
		return NewTransportClosedError("write", "mock")
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	pkt := make([]byte, EndpointPacketSize)
	sent := 0
	for sent < size {
		n := FillPacket(src, pkt[:min(EndpointPacketSize, size-sent)])
		if n == 0 {
			return NewTransportError("write", "mock",
				fmt.Errorf("source exhausted after %d of %d bytes", sent, size), ErrorTypePermanent)
		}
		m.mu.Lock()
		m.written = append(m.written, pkt[:n]...)
		m.mu.Unlock()
		sent += n
	}

	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Written returns a copy of every byte written so far.
func (m *MockEndpoint) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.written))
	copy(out, m.written)
	return out
}

// Writes returns the number of completed WriteFrom calls.
func (m *MockEndpoint) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// WaitWritten blocks until at least n bytes have been written.
func (m *MockEndpoint) WaitWritten(ctx context.Context, n int) ([]byte, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if out := m.Written(); len(out) >= n {
			return out, nil
		}
		select {
		case <-m.notify:
		case <-ticker.C:
		case <-ctx.Done():
			return m.Written(), ctx.Err()
		}
	}
}

// Close implements Endpoint.
func (m *MockEndpoint) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isClosed {
		m.isClosed = true
		close(m.closed)
	}
	return nil
}

// Name implements Endpoint.
func (*MockEndpoint) Name() string {
	return "mock"
}

// SliceSource is a ByteSource over a byte slice.
type SliceSource struct {
	data []byte
	pos  int
}

// NewSliceSource wraps data as a ByteSource.
func NewSliceSource(data []byte) *SliceSource {
	return &SliceSource{data: data}
}

// SourceByte implements ByteSource.
func (s *SliceSource) SourceByte() (byte, bool) {
	if s.pos >= len(s.data) {
		return 0, false
	}
	b := s.data[s.pos]
	s.pos++
	return b, true
}

// SliceSink is a ByteSink that appends to a slice.
type SliceSink struct {
	Data []byte
}

// SinkByte implements ByteSink.
func (s *SliceSink) SinkByte(b byte) {
	s.Data = append(s.Data, b)
}
