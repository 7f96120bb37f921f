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

// Package uart provides the host Endpoint over a serial port, typically the
// CDC ACM function of a USB gadget.
package uart

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
	"go.bug.st/serial"
)

// DefaultBaudRate is ignored by CDC gadgets but required by real UARTs.
const DefaultBaudRate = 115200

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// readPollInterval is the serial read timeout. ReadTo re-checks its context
// at this interval while the host is quiet.
func readPollInterval() time.Duration {
	if isWindows() {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// Endpoint implements avrprobe.Endpoint over a serial port.
type Endpoint struct {
	port     serial.Port
	portName string
	writeMu  syncutil.Mutex
	closed   atomic.Bool
}

// Option configures the serial mode used by New.
type Option func(*serial.Mode)

// WithBaudRate overrides DefaultBaudRate.
func WithBaudRate(baud int) Option {
	return func(m *serial.Mode) { m.BaudRate = baud }
}

// New opens portName as a host endpoint.
func New(portName string, opts ...Option) (*Endpoint, error) {
	mode := &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	for _, opt := range opts {
		opt(mode)
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readPollInterval()); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set serial read timeout: %w", err)
	}
	// stale bytes from a previous session would desync the first frame
	_ = port.ResetInputBuffer()

	return newEndpoint(port, portName), nil
}

func newEndpoint(port serial.Port, name string) *Endpoint {
	return &Endpoint{port: port, portName: name}
}

// ReadTo implements avrprobe.Endpoint. It waits for the next chunk of host
// bytes, polling at the serial read timeout so ctx is honoured.
func (e *Endpoint) ReadTo(ctx context.Context, sink avrprobe.ByteSink) (int, error) {
	buf := make([]byte, avrprobe.EndpointPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if e.closed.Load() {
			return 0, avrprobe.NewTransportClosedError("read", e.portName)
		}

		n, err := e.port.Read(buf)
		if err != nil {
			return 0, e.classify("read", err)
		}
		if n == 0 {
			continue
		}
		for _, b := range buf[:n] {
			sink.SinkByte(b)
		}
		return n, nil
	}
}

// WriteFrom implements avrprobe.Endpoint. Bytes go out in packets of at
// most EndpointPacketSize and the port is drained once at the end.
func (e *Endpoint) WriteFrom(ctx context.Context, src avrprobe.ByteSource, size int) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return avrprobe.NewTransportClosedError("write", e.portName)
	}

	pkt := make([]byte, avrprobe.EndpointPacketSize)
	sent := 0
	for sent < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := avrprobe.FillPacket(src, pkt[:min(len(pkt), size-sent)])
		if n == 0 {
			return avrprobe.NewTransportError("write", e.portName,
				fmt.Errorf("source exhausted after %d of %d bytes", sent, size), avrprobe.ErrorTypePermanent)
		}

		written, err := e.port.Write(pkt[:n])
		if err != nil {
			return e.classify("write", err)
		}
		if written != n {
			return avrprobe.NewTransportWriteError("write", e.portName)
		}
		sent += n
	}

	return e.drainWithRetry()
}

// classify wraps a serial error so the adapter can tell a lost device from
// a hiccup.
func (e *Endpoint) classify(op string, err error) error {
	if e.closed.Load() {
		return avrprobe.NewTransportClosedError(op, e.portName)
	}
	switch {
	case avrprobe.IsFatal(err) || isPortGone(err):
		return avrprobe.NewTransportError(op, e.portName, err, avrprobe.ErrorTypePermanent)
	case op == "read":
		return avrprobe.NewTransportReadError(op, e.portName, err)
	default:
		return avrprobe.NewTransportError(op, e.portName, err, avrprobe.ErrorTypeTransient)
	}
}

// isPortGone matches the serial library's error for a port that vanished.
func isPortGone(err error) bool {
	var pe *serial.PortError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code() {
	case serial.PortClosed, serial.PortNotFound:
		return true
	default:
		return false
	}
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry drains the port, retrying interrupted system calls
func (e *Endpoint) drainWithRetry() error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := e.port.Drain()
		if err == nil {
			return nil
		}

		if isInterruptedSystemCall(err) && attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms
			continue
		}

		return e.classify("drain", err)
	}

	return avrprobe.NewTransportWriteError("drain", e.portName)
}

// Close closes the serial port. Pending reads return a closed error at the
// next poll.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if err := e.port.Close(); err != nil {
		return fmt.Errorf("serial close failed: %w", err)
	}
	return nil
}

// Name returns the port name.
func (e *Endpoint) Name() string {
	return e.portName
}

var _ avrprobe.Endpoint = (*Endpoint)(nil)
