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

// Package frame implements the incremental byte-at-a-time frame codecs used
// on every host channel. One Codec type serves both wire layouts: the layout
// supplies the header shape and the integrity check.
package frame

import (
	"fmt"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
)

// Status is the result of feeding or draining one byte.
type Status int

const (
	// StatusIdle means no buffer is bound for the requested direction.
	StatusIdle Status = iota
	// StatusInProgress means the frame needs more bytes.
	StatusInProgress
	// StatusComplete means the last byte of a frame was just handled.
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInProgress:
		return "in-progress"
	case StatusComplete:
		return "complete"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Mode is the direction a codec is bound for.
type Mode int

const (
	// ModeInput parses bytes into the bound buffer.
	ModeInput Mode = iota
	// ModeOutput serializes the bound buffer.
	ModeOutput
)

// Codec parses or serializes one frame at a time. Its stage is derived from
// the byte index and the learned payload length. A codec must be rebound
// with SetBuffer after every completed frame. It is not safe for concurrent
// use.
type Codec struct {
	integrity  Integrity
	layout     *Layout
	buf        []byte
	maxSize    int
	actualSize int
	index      int
	lengthAcc  uint32
	checkAcc   uint16
	lastErr    error
	rejected   int
	seq        uint16
	pendingSeq uint16
	mode       Mode
	ok         bool
	complete   bool
}

// New creates an unbound codec for layout.
func New(layout *Layout) *Codec {
	return &Codec{layout: layout, integrity: layout.NewIntegrity()}
}

// NewEAST creates an unbound EAST codec.
func NewEAST() *Codec { return New(&EAST) }

// NewICEMKII creates an unbound ICEMKII codec.
func NewICEMKII() *Codec { return New(&ICEMKII) }

// Layout returns the codec's frame layout.
func (c *Codec) Layout() *Layout { return c.layout }

// SetBuffer binds buf to the codec. A size of zero selects input mode and
// frames up to len(buf) bytes are accepted. A positive size selects output
// mode and the first size bytes of buf are serialized. The sequence number
// survives rebinding; all other state is cleared.
func (c *Codec) SetBuffer(buf []byte, size int) error {
	if size < 0 || size > len(buf) || size > c.layout.MaxLength {
		return fmt.Errorf("bind %d of %d bytes: %w", size, len(buf), avrprobe.ErrInvalidSize)
	}

	c.buf = buf
	c.maxSize = min(len(buf), c.layout.MaxLength)
	c.index = 0
	c.lengthAcc = 0
	c.checkAcc = 0
	c.ok = false
	c.complete = false
	c.integrity.Reset()

	if size == 0 {
		c.mode = ModeInput
		c.actualSize = 0
	} else {
		c.mode = ModeOutput
		c.actualSize = size
	}
	return nil
}

// Unbind detaches the buffer. Both directions report StatusIdle until the
// next SetBuffer.
func (c *Codec) Unbind() {
	c.buf = nil
	c.complete = false
	c.index = 0
}

// resync drops the partial frame so the next byte is treated as a start
// candidate.
func (c *Codec) resync() {
	c.index = 0
	c.actualSize = 0
	c.lengthAcc = 0
	c.checkAcc = 0
	c.ok = false
}

// reject records a frame whose length or check value was bad and resyncs.
func (c *Codec) reject(format string, args ...any) {
	c.rejected++
	c.lastErr = fmt.Errorf("frame %s: %s: %w", c.layout.Name, fmt.Sprintf(format, args...), avrprobe.ErrFrameCorrupted)
	avrprobe.Debugf("%v", c.lastErr)
	c.resync()
}

// Rejected returns how many frames were discarded for a bad length or check
// value. Bytes skipped while hunting for a start token are not counted.
func (c *Codec) Rejected() int { return c.rejected }

// Err returns the reason the most recent frame was rejected, wrapping
// avrprobe.ErrFrameCorrupted, or nil if none was.
func (c *Codec) Err() error { return c.lastErr }

// PutByte feeds one received byte. Malformed input never completes a frame:
// the codec discards the partial frame and resynchronises on the next byte.
// Once a frame is complete further bytes are ignored until the buffer is
// rebound.
func (c *Codec) PutByte(b byte) Status {
	if c.buf == nil || c.mode != ModeInput {
		return StatusIdle
	}
	if c.complete {
		return StatusComplete
	}

	if c.index == 0 {
		c.integrity.Reset()
		c.lengthAcc = 0
		c.checkAcc = 0
	}

	f, pos, last, _ := c.layout.locate(c.index, c.actualSize)
	if f.Covered {
		c.integrity.Update(b)
	}

	switch f.Kind {
	case FieldToken:
		if b != f.Value {
			c.resync()
			return StatusInProgress
		}
	case FieldLength:
		c.lengthAcc |= uint32(b) << (8 * pos)
		if last {
			n := int(c.lengthAcc)
			if n < 1 || n > c.maxSize {
				c.reject("length %d outside [1,%d]", n, c.maxSize)
				return StatusInProgress
			}
			c.actualSize = n
		}
	case FieldSequence:
		if pos == 0 {
			c.pendingSeq = 0
		}
		c.pendingSeq |= uint16(b) << (8 * pos)
	case FieldPayload:
		c.buf[pos] = b
	case FieldChecksum:
		c.checkAcc |= uint16(b) << (8 * pos)
		if last {
			if c.checkAcc != c.integrity.Sum() {
				c.reject("check mismatch got %04X want %04X", c.checkAcc, c.integrity.Sum())
				return StatusInProgress
			}
			if c.layout.HasSequence() {
				c.seq = c.pendingSeq
			}
			c.ok = true
			c.complete = true
			c.index = 0
			return StatusComplete
		}
	}

	c.index++
	return StatusInProgress
}

// GetByte returns the next byte of the frame being serialized. The byte
// accompanied by StatusComplete is the last one of the frame. With no
// output buffer bound, or after completion, it returns StatusIdle.
func (c *Codec) GetByte() (byte, Status) {
	if c.buf == nil || c.mode != ModeOutput || c.complete {
		return 0, StatusIdle
	}

	if c.index == 0 {
		c.integrity.Reset()
	}

	f, pos, last, _ := c.layout.locate(c.index, c.actualSize)

	var b byte
	switch f.Kind {
	case FieldToken:
		b = f.Value
	case FieldLength:
		b = byte(uint32(c.actualSize) >> (8 * pos))
	case FieldSequence:
		b = byte(c.seq >> (8 * pos))
	case FieldPayload:
		b = c.buf[pos]
	case FieldChecksum:
		b = byte(c.integrity.Sum() >> (8 * pos))
	}
	if f.Covered {
		c.integrity.Update(b)
	}

	if f.Kind == FieldChecksum && last {
		c.complete = true
		c.ok = true
		c.index = 0
		return b, StatusComplete
	}

	c.index++
	return b, StatusInProgress
}

// PacketSize returns the bytes still to be drained in output mode, or the
// payload size collected so far in input mode.
func (c *Codec) PacketSize() int {
	if c.buf == nil {
		return 0
	}
	if c.mode == ModeOutput {
		if c.complete {
			return 0
		}
		return c.layout.FrameSize(c.actualSize) - c.index
	}
	return c.actualSize
}

// Size returns the payload length of the bound frame.
func (c *Codec) Size() int { return c.actualSize }

// Payload returns the payload of a completed input frame.
func (c *Codec) Payload() []byte {
	if c.mode != ModeInput || !c.complete {
		return nil
	}
	return c.buf[:c.actualSize]
}

// OK reports whether the last frame passed validation.
func (c *Codec) OK() bool { return c.ok }

// Complete reports whether the bound frame has been fully handled.
func (c *Codec) Complete() bool { return c.complete }

// Mode returns the bound direction.
func (c *Codec) Mode() Mode { return c.mode }

// Sequence returns the sequence number of the last parsed frame, or the one
// that will be sent.
func (c *Codec) Sequence() uint16 { return c.seq }

// SetSequence sets the sequence number used for the next serialized frame.
func (c *Codec) SetSequence(seq uint16) { c.seq = seq }

// Encode serializes payload as one complete frame.
func Encode(layout *Layout, seq uint16, payload []byte) ([]byte, error) {
	c := New(layout)
	c.SetSequence(seq)
	if len(payload) == 0 {
		return nil, fmt.Errorf("encode empty %s frame: %w", layout.Name, avrprobe.ErrInvalidSize)
	}
	if err := c.SetBuffer(payload, len(payload)); err != nil {
		return nil, err
	}

	out := make([]byte, 0, layout.FrameSize(len(payload)))
	for {
		b, st := c.GetByte()
		out = append(out, b)
		if st == StatusComplete {
			return out, nil
		}
	}
}

// Decoder collects complete frames from an arbitrary byte stream.
type Decoder struct {
	codec *Codec
	buf   []byte
}

// NewDecoder creates a decoder accepting payloads up to maxPayload bytes.
func NewDecoder(layout *Layout, maxPayload int) *Decoder {
	d := &Decoder{codec: New(layout), buf: make([]byte, maxPayload)}
	_ = d.codec.SetBuffer(d.buf, 0)
	return d
}

// Feed pushes data through the codec and returns a copy of every payload
// completed along the way together with its sequence number.
func (d *Decoder) Feed(data []byte) (payloads [][]byte, seqs []uint16) {
	for _, b := range data {
		if d.codec.PutByte(b) != StatusComplete {
			continue
		}
		payloads = append(payloads, append([]byte(nil), d.codec.Payload()...))
		seqs = append(seqs, d.codec.Sequence())
		_ = d.codec.SetBuffer(d.buf, 0)
	}
	return payloads, seqs
}
