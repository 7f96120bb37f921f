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

// Package ice answers the JTAGICE mkII host protocol on the debug-probe
// channel. Requests arrive as validated frame bodies; each is decoded into a
// typed Command and dispatched through an opcode table. ISP packets are
// forwarded to an isp.Engine and their answers wrapped for the host.
package ice

import (
	"context"
	"encoding/binary"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/isp"
)

// DebugWire is the single-wire debug link. Only synchronisation is
// supported.
type DebugWire interface {
	Sync(ctx context.Context) error
}

// Identity is reported in the sign-on response.
type Identity struct {
	Serial        [6]byte
	MasterFWMajor byte
	MasterFWMinor byte
	MasterHW      byte
	SlaveFWMajor  byte
	SlaveFWMinor  byte
	SlaveHW       byte
}

// DefaultIdentity matches a JTAGICE mkII running firmware 7.39.
func DefaultIdentity() Identity {
	return Identity{
		Serial:        [6]byte{0x00, 0xB0, 0x00, 0x00, 0x12, 0x34},
		MasterFWMajor: 0x07,
		MasterFWMinor: 0x27,
		MasterHW:      0x01,
		SlaveFWMajor:  0x07,
		SlaveFWMinor:  0x27,
		SlaveHW:       0x01,
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithEngine sets the ISP engine used for ISP packets and SPI-mode memory
// reads.
func WithEngine(e *isp.Engine) Option {
	return func(p *Processor) { p.engine = e }
}

// WithDebugWire sets the debugWIRE link synchronised when that emulator
// mode is selected.
func WithDebugWire(dw DebugWire) Option {
	return func(p *Processor) { p.debugWire = dw }
}

// WithIdentity overrides the sign-on identity.
func WithIdentity(id Identity) Option {
	return func(p *Processor) { p.identity = id }
}

// WithTargetVoltage sets the source of the target voltage in millivolts.
func WithTargetVoltage(fn func() uint16) Option {
	return func(p *Processor) { p.vtarget = fn }
}

type handlerFunc func(p *Processor, ctx context.Context, cmd Command, resp []byte) int

// handlers is the opcode dispatch table.
var handlers = map[Opcode]handlerFunc{
	CmdSignOff:      (*Processor).handleSignOff,
	CmdGetSignOn:    (*Processor).handleSignOn,
	CmdSetParameter: (*Processor).handleSetParameter,
	CmdGetParameter: (*Processor).handleGetParameter,
	CmdWriteMemory:  (*Processor).handleWriteMemory,
	CmdReadMemory:   (*Processor).handleReadMemory,
	CmdReadPC:       (*Processor).handleReadPC,
	CmdGo:           (*Processor).handleGo,
	CmdSingleStep:   (*Processor).handleSingleStep,
	CmdForcedStop:   (*Processor).handleForcedStop,
	CmdReset:        (*Processor).handleReset,
	CmdGetSync:      (*Processor).handleAck,
	CmdISPPacket:    (*Processor).handleISPPacket,
}

// Processor holds the emulator state of one probe channel. It is driven by
// the channel's single worker goroutine.
type Processor struct {
	engine       *isp.Engine
	debugWire    DebugWire
	vtarget      func() uint16
	params       map[byte][]byte
	stkParams    map[byte]byte
	identity     Identity
	validPackets uint16
	parseErrors  uint16
	pc           uint32
	mode         EmulatorMode
	mcuState     byte
}

// NewProcessor creates a processor in JTAG emulator mode.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		identity: DefaultIdentity(),
		vtarget:  func() uint16 { return 5000 },
		mode:     ModeJTAG,
		mcuState: mcuStopped,
		params: map[byte][]byte{
			ParBaudRate:        {0x04},
			ParOCDJTAGClock:    {0x06},
			ParExternalReset:   {0x00},
			ParFlashPageSize:   {0x80, 0x00},
			ParEEPROMPageSize:  {0x04},
			ParDaisyChainInfo:  {0x00, 0x00, 0x00, 0x00},
			ParTargetSignature: {0x00, 0x00},
			ParRunAfterProgram: {0x00},
		},
		stkParams: map[byte]byte{
			stkBuildLow:    0x00,
			stkBuildHigh:   0x00,
			stkHWVersion:   0x01,
			stkSWMajor:     0x07,
			stkSWMinor:     0x27,
			stkVTarget:     50,
			stkSCKDuration: 0x01,
			stkResetPol:    0x01,
			stkCtrlInit:    0x00,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Mode returns the emulator mode.
func (p *Processor) Mode() EmulatorMode { return p.mode }

// Process decodes req, runs its handler and writes the answer into resp.
// Every request gets an answer.
func (p *Processor) Process(ctx context.Context, req, resp []byte) int {
	if len(resp) == 0 {
		return 0
	}

	cmd, err := DecodeCommand(req)
	if err != nil {
		p.parseErrors++
		avrprobe.Debugf("ice: %v", err)
		return status(resp, RspIllegalParameter)
	}
	p.validPackets++

	h, ok := handlers[cmd.Opcode()]
	if !ok {
		avrprobe.Debugf("ice: unsupported opcode %02X", byte(cmd.Opcode()))
		return status(resp, RspIllegalCommand)
	}
	return h(p, ctx, cmd, resp)
}

// status writes a one-byte response.
func status(resp []byte, code byte) int {
	resp[0] = code
	return 1
}

// reply writes code followed by data, or RspFailed if resp is too small.
func reply(resp []byte, code byte, data ...byte) int {
	if 1+len(data) > len(resp) {
		return status(resp, RspFailed)
	}
	resp[0] = code
	return 1 + copy(resp[1:], data)
}

func (p *Processor) handleAck(_ context.Context, _ Command, resp []byte) int {
	return status(resp, RspOK)
}

func (p *Processor) handleSignOn(_ context.Context, _ Command, resp []byte) int {
	id := p.identity
	data := []byte{
		0x01, // communications protocol version
		0xFF, id.MasterFWMinor, id.MasterFWMajor, id.MasterHW,
		0xFF, id.SlaveFWMinor, id.SlaveFWMajor, id.SlaveHW,
	}
	data = append(data, id.Serial[:]...)
	data = append(data, signOnIdentity...)
	data = append(data, 0x00)
	return reply(resp, RspSignOn, data...)
}

func (p *Processor) handleSignOff(ctx context.Context, _ Command, resp []byte) int {
	if p.engine != nil && p.engine.ProgMode() {
		if err := p.engine.LeaveProgMode(ctx, 0, 0); err != nil {
			avrprobe.Debugf("ice: leave programming mode on sign-off: %v", err)
		}
	}
	p.mcuState = mcuStopped
	return status(resp, RspOK)
}

func (p *Processor) handleGetParameter(_ context.Context, cmd Command, resp []byte) int {
	id := cmd.(GetParameter).ID

	switch id {
	case ParHWVersion:
		return reply(resp, RspParameter, p.identity.MasterHW, p.identity.SlaveHW)
	case ParFWVersion:
		id := p.identity
		return reply(resp, RspParameter, id.MasterFWMinor, id.MasterFWMajor, id.SlaveFWMinor, id.SlaveFWMajor)
	case ParEmulatorMode:
		return reply(resp, RspParameter, byte(p.mode))
	case ParOCDVTarget:
		var mv [2]byte
		binary.LittleEndian.PutUint16(mv[:], p.vtarget())
		return reply(resp, RspParameter, mv[:]...)
	case ParMCUState:
		return reply(resp, RspParameter, p.mcuState)
	case ParValidPackets:
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], p.validPackets)
		return reply(resp, RspParameter, n[:]...)
	case ParParsingErrors:
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], p.parseErrors)
		return reply(resp, RspParameter, n[:]...)
	}

	value, ok := p.params[id]
	if !ok {
		return status(resp, RspIllegalParameter)
	}
	return reply(resp, RspParameter, value...)
}

func (p *Processor) handleSetParameter(ctx context.Context, cmd Command, resp []byte) int {
	set := cmd.(SetParameter)

	if set.ID == ParEmulatorMode {
		return p.setEmulatorMode(ctx, EmulatorMode(set.Value[0]), resp)
	}

	current, ok := p.params[set.ID]
	if !ok {
		return status(resp, RspIllegalParameter)
	}
	if len(set.Value) < len(current) {
		return status(resp, RspIllegalValue)
	}
	p.params[set.ID] = append([]byte(nil), set.Value[:len(current)]...)
	return status(resp, RspOK)
}

func (p *Processor) setEmulatorMode(ctx context.Context, mode EmulatorMode, resp []byte) int {
	switch mode {
	case ModeDebugWire:
		if p.debugWire == nil {
			avrprobe.Debugf("ice: debugWIRE requested without a link")
			return status(resp, RspDebugWireSyncFailed)
		}
		if err := p.debugWire.Sync(ctx); err != nil {
			avrprobe.Debugf("ice: debugWIRE sync: %v", err)
			return status(resp, RspDebugWireSyncFailed)
		}
	case ModeJTAG, ModeHV, ModeSPI, ModeJTAGXmega:
	default:
		return status(resp, RspIllegalEmulatorMode)
	}

	avrprobe.Debugf("ice: emulator mode %s", mode)
	p.mode = mode
	return status(resp, RspOK)
}

func (p *Processor) handleWriteMemory(_ context.Context, cmd Command, resp []byte) int {
	switch cmd.(WriteMemory).MemType {
	case MemSRAM, MemEEPROM, MemIOShadow, MemFuseBits, MemLockBits:
		return status(resp, RspOK)
	default:
		return status(resp, RspIllegalMemoryType)
	}
}

func (p *Processor) handleReadMemory(ctx context.Context, cmd Command, resp []byte) int {
	rd := cmd.(ReadMemory)
	if uint64(rd.Length)+1 > uint64(len(resp)) {
		return status(resp, RspIllegalMemoryRange)
	}
	data := resp[1 : 1+rd.Length]

	switch rd.MemType {
	case MemSRAM, MemEEPROM, MemIOShadow:
		clear(data)
	case MemFuseBits, MemLockBits, MemSignature, MemOscCal:
		if p.mode == ModeSPI {
			if code := p.readViaISP(ctx, rd, data); code != RspMemory {
				return status(resp, code)
			}
		} else {
			clear(data)
		}
	default:
		return status(resp, RspIllegalMemoryType)
	}

	resp[0] = RspMemory
	return 1 + len(data)
}

// readViaISP answers a memory read from an armed ISP engine.
func (p *Processor) readViaISP(ctx context.Context, rd ReadMemory, data []byte) byte {
	if p.engine == nil || !p.engine.ProgMode() {
		return RspFailed
	}

	for i := range data {
		addr := byte(rd.Address) + byte(i)
		var cmd [4]byte
		switch rd.MemType {
		case MemFuseBits:
			switch addr {
			case 0:
				cmd = [4]byte{0x50, 0x00, 0x00, 0x00}
			case 1:
				cmd = [4]byte{0x58, 0x08, 0x00, 0x00}
			case 2:
				cmd = [4]byte{0x50, 0x08, 0x00, 0x00}
			default:
				return RspIllegalMemoryRange
			}
		case MemLockBits:
			cmd = [4]byte{0x58, 0x00, 0x00, 0x00}
		case MemSignature:
			cmd = [4]byte{0x30, 0x00, addr, 0x00}
		case MemOscCal:
			cmd = [4]byte{0x38, 0x00, addr, 0x00}
		}

		b, err := p.engine.ReadByteCommand(ctx, 4, cmd)
		if err != nil {
			avrprobe.Debugf("ice: memory read via ISP: %v", err)
			return RspFailed
		}
		data[i] = b
	}
	return RspMemory
}

func (p *Processor) handleReadPC(_ context.Context, _ Command, resp []byte) int {
	var pc [4]byte
	binary.LittleEndian.PutUint32(pc[:], p.pc)
	return reply(resp, RspPC, pc[:]...)
}

func (p *Processor) handleGo(_ context.Context, _ Command, resp []byte) int {
	p.mcuState = mcuRunning
	return status(resp, RspOK)
}

func (p *Processor) handleForcedStop(_ context.Context, _ Command, resp []byte) int {
	p.mcuState = mcuStopped
	return status(resp, RspOK)
}

func (p *Processor) handleSingleStep(_ context.Context, _ Command, resp []byte) int {
	if p.mcuState == mcuRunning {
		return status(resp, RspIllegalMCUState)
	}
	p.pc++
	return status(resp, RspOK)
}

func (p *Processor) handleReset(_ context.Context, _ Command, resp []byte) int {
	p.mcuState = mcuStopped
	p.pc = 0
	return status(resp, RspOK)
}
