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

package frame

// FieldKind identifies the role of a frame field.
type FieldKind int

const (
	// FieldToken is a fixed marker byte.
	FieldToken FieldKind = iota
	// FieldLength carries the payload length, little-endian.
	FieldLength
	// FieldSequence carries a sequence number, little-endian.
	FieldSequence
	// FieldPayload is the variable-length body.
	FieldPayload
	// FieldChecksum carries the integrity value, little-endian.
	FieldChecksum
)

// Field is one element of a frame layout.
type Field struct {
	Kind    FieldKind
	Width   int  // bytes; ignored for FieldPayload
	Value   byte // expected byte for FieldToken
	Covered bool // included in the integrity value
}

// Layout describes the shape of a frame and how it is protected.
type Layout struct {
	NewIntegrity func() Integrity
	Name         string
	Fields       []Field
	// MaxLength is the largest length the length field can express.
	MaxLength int
}

// Framing tokens.
const (
	EASTStart    = 0x24
	EASTStop     = 0x42
	ICEMKIIStart = 0x1B
	ICEMKIIToken = 0x0E
)

// EAST is the short frame used by the I2C and SPI bridges:
// [0x24][len u16][data][0x42][xor u16].
var EAST = Layout{
	Name: "EAST",
	Fields: []Field{
		{Kind: FieldToken, Width: 1, Value: EASTStart},
		{Kind: FieldLength, Width: 2},
		{Kind: FieldPayload, Covered: true},
		{Kind: FieldToken, Width: 1, Value: EASTStop},
		{Kind: FieldChecksum, Width: 2},
	},
	NewIntegrity: NewXOR16,
	MaxLength:    0xFFFF,
}

// ICEMKII is the JTAGICE mkII host frame:
// [0x1B][seq u16][len u32][0x0E][body][crc u16]. The CRC runs from the start
// token through the last body byte.
var ICEMKII = Layout{
	Name: "ICEMKII",
	Fields: []Field{
		{Kind: FieldToken, Width: 1, Value: ICEMKIIStart, Covered: true},
		{Kind: FieldSequence, Width: 2, Covered: true},
		{Kind: FieldLength, Width: 4, Covered: true},
		{Kind: FieldToken, Width: 1, Value: ICEMKIIToken, Covered: true},
		{Kind: FieldPayload, Covered: true},
		{Kind: FieldChecksum, Width: 2},
	},
	NewIntegrity: NewCRC16,
	MaxLength:    0x7FFFFFFF,
}

// Overhead returns the number of non-payload bytes in a frame.
func (l *Layout) Overhead() int {
	n := 0
	for _, f := range l.Fields {
		if f.Kind != FieldPayload {
			n += f.Width
		}
	}
	return n
}

// FrameSize returns the size of a frame carrying payloadLen bytes.
func (l *Layout) FrameSize(payloadLen int) int {
	return l.Overhead() + payloadLen
}

// HasSequence reports whether frames carry a sequence number.
func (l *Layout) HasSequence() bool {
	for _, f := range l.Fields {
		if f.Kind == FieldSequence {
			return true
		}
	}
	return false
}

// locate maps a frame byte index to its field and the offset inside it.
// ok is false past the end of the frame.
func (l *Layout) locate(index, payloadLen int) (field *Field, pos int, last bool, ok bool) {
	offset := 0
	for i := range l.Fields {
		f := &l.Fields[i]
		width := f.Width
		if f.Kind == FieldPayload {
			width = payloadLen
		}
		if index < offset+width {
			pos = index - offset
			return f, pos, pos == width-1, true
		}
		offset += width
	}
	return nil, 0, false, false
}
