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

package ice

import (
	"encoding/binary"
	"fmt"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
)

// Command is one decoded host command. Each opcode has its own type
// carrying only its own fields.
type Command interface {
	Opcode() Opcode
	// Encode serializes the command body as the host sends it.
	Encode() []byte
}

// SignOff ends the session.
type SignOff struct{}

// SignOn requests the probe identity.
type SignOn struct{}

// SetParameter writes one probe parameter.
type SetParameter struct {
	Value []byte
	ID    byte
}

// GetParameter reads one probe parameter.
type GetParameter struct {
	ID byte
}

// WriteMemory writes target memory.
type WriteMemory struct {
	Data    []byte
	Address uint32
	MemType byte
}

// ReadMemory reads target memory.
type ReadMemory struct {
	Length  uint32
	Address uint32
	MemType byte
}

// ReadPC reads the program counter.
type ReadPC struct{}

// Go resumes the target.
type Go struct{}

// SingleStep steps the target once.
type SingleStep struct {
	Flags byte
	Mode  byte
}

// ForcedStop halts the target.
type ForcedStop struct {
	Mode byte
}

// Reset resets the target.
type Reset struct {
	Flags byte
}

// GetSync resynchronises the host session.
type GetSync struct{}

// ISPPacket carries an STK500v2 ISP command.
type ISPPacket struct {
	Data []byte
}

// Unknown is any opcode without a decoder.
type Unknown struct {
	Body []byte
	Op   Opcode
}

func (SignOff) Opcode() Opcode      { return CmdSignOff }
func (SignOn) Opcode() Opcode       { return CmdGetSignOn }
func (SetParameter) Opcode() Opcode { return CmdSetParameter }
func (GetParameter) Opcode() Opcode { return CmdGetParameter }
func (WriteMemory) Opcode() Opcode  { return CmdWriteMemory }
func (ReadMemory) Opcode() Opcode   { return CmdReadMemory }
func (ReadPC) Opcode() Opcode       { return CmdReadPC }
func (Go) Opcode() Opcode           { return CmdGo }
func (SingleStep) Opcode() Opcode   { return CmdSingleStep }
func (ForcedStop) Opcode() Opcode   { return CmdForcedStop }
func (Reset) Opcode() Opcode        { return CmdReset }
func (GetSync) Opcode() Opcode      { return CmdGetSync }
func (ISPPacket) Opcode() Opcode    { return CmdISPPacket }
func (u Unknown) Opcode() Opcode    { return u.Op }

func (SignOff) Encode() []byte { return []byte{byte(CmdSignOff)} }
func (SignOn) Encode() []byte  { return []byte{byte(CmdGetSignOn)} }
func (ReadPC) Encode() []byte  { return []byte{byte(CmdReadPC)} }
func (Go) Encode() []byte      { return []byte{byte(CmdGo)} }
func (GetSync) Encode() []byte { return []byte{byte(CmdGetSync)} }

func (c SetParameter) Encode() []byte {
	return append([]byte{byte(CmdSetParameter), c.ID}, c.Value...)
}

func (c GetParameter) Encode() []byte {
	return []byte{byte(CmdGetParameter), c.ID}
}

func (c WriteMemory) Encode() []byte {
	out := make([]byte, 10, 10+len(c.Data))
	out[0] = byte(CmdWriteMemory)
	out[1] = c.MemType
	binary.LittleEndian.PutUint32(out[2:], uint32(len(c.Data)))
	binary.LittleEndian.PutUint32(out[6:], c.Address)
	return append(out, c.Data...)
}

func (c ReadMemory) Encode() []byte {
	out := make([]byte, 10)
	out[0] = byte(CmdReadMemory)
	out[1] = c.MemType
	binary.LittleEndian.PutUint32(out[2:], c.Length)
	binary.LittleEndian.PutUint32(out[6:], c.Address)
	return out
}

func (c SingleStep) Encode() []byte {
	return []byte{byte(CmdSingleStep), c.Flags, c.Mode}
}

func (c ForcedStop) Encode() []byte {
	return []byte{byte(CmdForcedStop), c.Mode}
}

func (c Reset) Encode() []byte {
	return []byte{byte(CmdReset), c.Flags}
}

func (c ISPPacket) Encode() []byte {
	out := make([]byte, 3, 3+len(c.Data))
	out[0] = byte(CmdISPPacket)
	binary.LittleEndian.PutUint16(out[1:], uint16(len(c.Data)))
	return append(out, c.Data...)
}

func (u Unknown) Encode() []byte {
	return append([]byte{byte(u.Op)}, u.Body...)
}

// DecodeCommand parses a validated frame body. Unrecognised opcodes decode
// to Unknown; a known opcode with a short or inconsistent body is an error.
func DecodeCommand(body []byte) (Command, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty command: %w", avrprobe.ErrInvalidParameter)
	}

	op := Opcode(body[0])
	args := body[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("opcode %02X needs %d argument bytes, got %d: %w",
				byte(op), n, len(args), avrprobe.ErrInvalidParameter)
		}
		return nil
	}

	switch op {
	case CmdSignOff:
		return SignOff{}, nil
	case CmdGetSignOn:
		return SignOn{}, nil
	case CmdSetParameter:
		if err := need(2); err != nil {
			return nil, err
		}
		return SetParameter{ID: args[0], Value: args[1:]}, nil
	case CmdGetParameter:
		if err := need(1); err != nil {
			return nil, err
		}
		return GetParameter{ID: args[0]}, nil
	case CmdWriteMemory:
		if err := need(9); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(args[1:])
		data := args[9:]
		if uint64(len(data)) != uint64(n) {
			return nil, fmt.Errorf("write memory declares %d bytes, carries %d: %w",
				n, len(data), avrprobe.ErrInvalidParameter)
		}
		return WriteMemory{MemType: args[0], Address: binary.LittleEndian.Uint32(args[5:]), Data: data}, nil
	case CmdReadMemory:
		if err := need(9); err != nil {
			return nil, err
		}
		return ReadMemory{
			MemType: args[0],
			Length:  binary.LittleEndian.Uint32(args[1:]),
			Address: binary.LittleEndian.Uint32(args[5:]),
		}, nil
	case CmdReadPC:
		return ReadPC{}, nil
	case CmdGo:
		return Go{}, nil
	case CmdSingleStep:
		if err := need(2); err != nil {
			return nil, err
		}
		return SingleStep{Flags: args[0], Mode: args[1]}, nil
	case CmdForcedStop:
		if err := need(1); err != nil {
			return nil, err
		}
		return ForcedStop{Mode: args[0]}, nil
	case CmdReset:
		if err := need(1); err != nil {
			return nil, err
		}
		return Reset{Flags: args[0]}, nil
	case CmdGetSync:
		return GetSync{}, nil
	case CmdISPPacket:
		if err := need(3); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint16(args))
		if len(args)-2 < n {
			return nil, fmt.Errorf("ISP packet declares %d bytes, carries %d: %w",
				n, len(args)-2, avrprobe.ErrInvalidParameter)
		}
		return ISPPacket{Data: args[2 : 2+n]}, nil
	default:
		return Unknown{Op: op, Body: args}, nil
	}
}
