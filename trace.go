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
	"errors"
	"fmt"
	"strings"
	"time"
)

// hexLimit is how many bytes FormatHex prints before eliding the rest.
const hexLimit = 32

// TraceDirection is the side of the wire a trace entry was seen on.
type TraceDirection string

const (
	// TraceTX is data shifted out to the target or bus.
	TraceTX TraceDirection = "TX"
	// TraceRX is data shifted in, or the lack of it.
	TraceRX TraceDirection = "RX"
)

// TraceEntry is one recorded transfer.
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
	Timeout   bool
}

func (e TraceEntry) String() string {
	arrow := "->"
	if e.Direction == TraceRX {
		arrow = "<-"
	}
	body := FormatHex(e.Data)
	if e.Timeout {
		body = "TIMEOUT"
	}
	if e.Note == "" {
		return arrow + " " + body
	}
	return arrow + " " + body + "  " + e.Note
}

// TraceableError carries the transfers that led up to a failure. Extract it
// with errors.As or GetTrace.
type TraceableError struct {
	Err       error
	Transport string
	Port      string
	Trace     []TraceEntry
}

func (e *TraceableError) Error() string { return e.Err.Error() }

func (e *TraceableError) Unwrap() error { return e.Err }

// FormatTrace renders the trace one transfer per line, oldest first.
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("%s %s: no transfers recorded", e.Transport, e.Port)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s %s: last %d transfers\n", e.Transport, e.Port, len(e.Trace))
	for _, entry := range e.Trace {
		_, _ = fmt.Fprintf(&sb, "  %s %s\n", entry.Timestamp.Format("15:04:05.000"), entry)
	}
	return sb.String()
}

// FormatHex renders data as upper-case hex pairs separated by spaces.
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	shown := min(len(data), hexLimit)
	var sb strings.Builder
	sb.Grow(shown * 3)
	for i, b := range data[:shown] {
		if i > 0 {
			_ = sb.WriteByte(' ')
		}
		_, _ = fmt.Fprintf(&sb, "%02X", b)
	}
	if len(data) > shown {
		_, _ = fmt.Fprintf(&sb, " ... (%d bytes)", len(data))
	}
	return sb.String()
}

// TraceBuffer is a ring of the most recent transfers on one bus. It is not
// safe for concurrent use; owners record under their own lock.
type TraceBuffer struct {
	transport string
	port      string
	ring      []TraceEntry
	next      int
	count     int
}

// NewTraceBuffer keeps the last capacity transfers; capacity <= 0 means 16.
func NewTraceBuffer(transport, port string, capacity int) *TraceBuffer {
	if capacity <= 0 {
		capacity = 16
	}
	return &TraceBuffer{
		transport: transport,
		port:      port,
		ring:      make([]TraceEntry, capacity),
	}
}

// RecordTX records bytes sent.
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.add(TraceEntry{Direction: TraceTX, Data: data, Note: note})
}

// RecordRX records bytes received. nil data with a note records a refusal,
// such as an I2C NAK.
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.add(TraceEntry{Direction: TraceRX, Data: data, Note: note})
}

// RecordTimeout records a reply that never came.
func (tb *TraceBuffer) RecordTimeout(note string) {
	tb.add(TraceEntry{Direction: TraceRX, Note: note, Timeout: true})
}

func (tb *TraceBuffer) add(e TraceEntry) {
	e.Timestamp = time.Now()
	e.Data = append([]byte(nil), e.Data...)
	tb.ring[tb.next] = e
	tb.next = (tb.next + 1) % len(tb.ring)
	if tb.count < len(tb.ring) {
		tb.count++
	}
}

// Entries returns the recorded transfers, oldest first.
func (tb *TraceBuffer) Entries() []TraceEntry {
	out := make([]TraceEntry, 0, tb.count)
	start := (tb.next - tb.count + len(tb.ring)) % len(tb.ring)
	for i := range tb.count {
		out = append(out, tb.ring[(start+i)%len(tb.ring)])
	}
	return out
}

// Len returns the number of recorded transfers.
func (tb *TraceBuffer) Len() int { return tb.count }

// Clear forgets every transfer. Callers clear at the start of each
// operation so a failure carries only its own transfers.
func (tb *TraceBuffer) Clear() {
	tb.next, tb.count = 0, 0
}

// WrapError attaches the current transfers to err. It returns nil for a nil
// err.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}
	return &TraceableError{
		Err:       err,
		Transport: tb.transport,
		Port:      tb.port,
		Trace:     tb.Entries(),
	}
}

// HasTrace reports whether err carries transfers.
func HasTrace(err error) bool {
	return GetTrace(err) != nil
}

// GetTrace returns the trace carried by err, or nil.
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
