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
	"context"
	"encoding/binary"
	"errors"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/isp"
)

// ispHandler answers one STK500v2 ISP sub-command. It writes the answer,
// starting with the echoed sub-command byte, into out and returns its
// length.
type ispHandler func(p *Processor, ctx context.Context, req, out []byte) int

var ispHandlers = map[byte]ispHandler{
	ispSignOn:        (*Processor).ispSignOn,
	ispSetParameter:  (*Processor).ispSetParameter,
	ispGetParameter:  (*Processor).ispGetParameter,
	ispLoadAddress:   (*Processor).ispLoadAddress,
	ispEnterProgMode: (*Processor).ispEnterProgMode,
	ispLeaveProgMode: (*Processor).ispLeaveProgMode,
	ispChipErase:     (*Processor).ispChipErase,
	ispReadFlash:     (*Processor).ispReadMemory,
	ispReadEEPROM:    (*Processor).ispReadMemory,
	ispProgramFuse:   (*Processor).ispWriteByte,
	ispReadFuse:      (*Processor).ispReadByte,
	ispProgramLock:   (*Processor).ispWriteByte,
	ispReadLock:      (*Processor).ispReadByte,
	ispReadSignature: (*Processor).ispReadByte,
	ispReadOscCal:    (*Processor).ispReadByte,
	ispSPIMulti:      (*Processor).ispSPIMulti,
}

// minISPLength is the request length each sub-command needs, sub-command
// byte included.
var minISPLength = map[byte]int{
	ispSetParameter:  3,
	ispGetParameter:  2,
	ispLoadAddress:   5,
	ispEnterProgMode: 12,
	ispLeaveProgMode: 3,
	ispChipErase:     7,
	ispReadFlash:     4,
	ispReadEEPROM:    4,
	ispProgramFuse:   5,
	ispReadFuse:      6,
	ispProgramLock:   5,
	ispReadLock:      6,
	ispReadSignature: 6,
	ispReadOscCal:    6,
	ispSPIMulti:      4,
}

// handleISPPacket forwards the embedded ISP command and wraps the answer in
// RSP_SPI_DATA.
func (p *Processor) handleISPPacket(ctx context.Context, cmd Command, resp []byte) int {
	req := cmd.(ISPPacket).Data
	if len(resp) < 3 {
		return status(resp, RspFailed)
	}
	resp[0] = RspSPIData
	out := resp[1:]

	if len(req) == 0 {
		out[0] = 0x00
		out[1] = ispStatusUnknown
		return 3
	}
	op := req[0]
	out[0] = op

	h, ok := ispHandlers[op]
	if !ok {
		avrprobe.Debugf("ice: unknown ISP command %02X", op)
		out[1] = ispStatusUnknown
		return 3
	}
	if len(req) < minISPLength[op] {
		out[1] = ispStatusFailed
		return 3
	}
	if p.engine == nil && op != ispSignOn && op != ispSetParameter && op != ispGetParameter {
		out[1] = ispStatusFailed
		return 3
	}
	return 1 + h(p, ctx, req, out)
}

// ispStatus maps an engine error onto an STK500v2 status byte.
func ispStatus(err error) byte {
	switch {
	case err == nil:
		return ispStatusOK
	case errors.Is(err, avrprobe.ErrTimeout):
		return ispStatusTimeout
	case errors.Is(err, avrprobe.ErrBusyTimeout):
		return ispStatusBusy
	default:
		return ispStatusFailed
	}
}

// ispShort marks the answer failed when out cannot hold n bytes.
func ispShort(out []byte, n int) bool {
	if n <= len(out) {
		return false
	}
	out[1] = ispStatusFailed
	return true
}

func ispResult(out []byte, err error) int {
	if err != nil {
		avrprobe.Debugf("ice: ISP %02X: %v", out[0], err)
	}
	out[1] = ispStatus(err)
	return 2
}

func (p *Processor) ispSignOn(_ context.Context, _, out []byte) int {
	n := 3 + len(ispSignOnIdentity)
	if ispShort(out, n) {
		return 2
	}
	out[1] = ispStatusOK
	out[2] = byte(len(ispSignOnIdentity))
	copy(out[3:], ispSignOnIdentity)
	return n
}

func (p *Processor) ispSetParameter(_ context.Context, req, out []byte) int {
	if _, ok := p.stkParams[req[1]]; !ok {
		out[1] = ispStatusFailed
		return 2
	}
	p.stkParams[req[1]] = req[2]
	out[1] = ispStatusOK
	return 2
}

func (p *Processor) ispGetParameter(_ context.Context, req, out []byte) int {
	if ispShort(out, 3) {
		return 2
	}
	v, ok := p.stkParams[req[1]]
	if !ok {
		out[1] = ispStatusFailed
		return 2
	}
	if req[1] == stkVTarget {
		v = byte(p.vtarget() / 100)
	}
	out[1] = ispStatusOK
	out[2] = v
	return 3
}

func (p *Processor) ispLoadAddress(_ context.Context, req, out []byte) int {
	p.engine.LoadAddress(binary.BigEndian.Uint32(req[1:5]))
	out[1] = ispStatusOK
	return 2
}

func (p *Processor) ispEnterProgMode(ctx context.Context, req, out []byte) int {
	params := isp.Params{
		Timeout:     req[1],
		StabDelay:   req[2],
		CmdexeDelay: req[3],
		SynchLoops:  req[4],
		ByteDelay:   req[5],
		PollValue:   req[6],
		PollIndex:   req[7],
	}
	copy(params.Cmd[:], req[8:12])
	return ispResult(out, p.engine.EnterProgMode(ctx, params))
}

func (p *Processor) ispLeaveProgMode(ctx context.Context, req, out []byte) int {
	return ispResult(out, p.engine.LeaveProgMode(ctx, req[1], req[2]))
}

func (p *Processor) ispChipErase(ctx context.Context, req, out []byte) int {
	params := isp.EraseParams{
		EraseDelay: req[1],
		PollMethod: isp.PollMethod(req[2]),
	}
	copy(params.Cmd[:], req[3:7])
	return ispResult(out, p.engine.ChipErase(ctx, params))
}

// ispReadMemory answers READ_FLASH and READ_EEPROM:
// [op, OK, data..., OK].
func (p *Processor) ispReadMemory(ctx context.Context, req, out []byte) int {
	n := int(binary.BigEndian.Uint16(req[1:3]))
	if n+3 > len(out) {
		out[1] = ispStatusFailed
		return 2
	}
	data := out[2 : 2+n]

	var err error
	if req[0] == ispReadFlash {
		err = p.engine.ReadFlash(ctx, req[3], data)
	} else {
		err = p.engine.ReadMemory(ctx, req[3], data)
	}
	if err != nil {
		return ispResult(out, err)
	}
	out[1] = ispStatusOK
	out[2+n] = ispStatusOK
	return n + 3
}

// ispReadByte answers the fuse, lock, signature and calibration reads:
// [op, OK, value, OK].
func (p *Processor) ispReadByte(ctx context.Context, req, out []byte) int {
	if ispShort(out, 4) {
		return 2
	}
	var cmd [4]byte
	copy(cmd[:], req[2:6])
	v, err := p.engine.ReadByteCommand(ctx, req[1], cmd)
	if err != nil {
		return ispResult(out, err)
	}
	if req[0] == ispReadSignature {
		p.noteSignature(cmd[2], v)
	}
	out[1] = ispStatusOK
	out[2] = v
	out[3] = ispStatusOK
	return 4
}

// noteSignature keeps the device code bytes for PAR_TARGET_SIGNATURE.
func (p *Processor) noteSignature(index, v byte) {
	sig := p.params[ParTargetSignature]
	switch index {
	case 1:
		sig[1] = v
	case 2:
		sig[0] = v
	}
}

func (p *Processor) ispWriteByte(ctx context.Context, req, out []byte) int {
	if ispShort(out, 3) {
		return 2
	}
	var cmd [4]byte
	copy(cmd[:], req[1:5])
	if err := p.engine.WriteByteCommand(ctx, cmd); err != nil {
		return ispResult(out, err)
	}
	out[1] = ispStatusOK
	out[2] = ispStatusOK
	return 3
}

// ispSPIMulti answers [op, numTx, numRx, rxStart, tx...] with
// [op, OK, rx..., OK].
func (p *Processor) ispSPIMulti(ctx context.Context, req, out []byte) int {
	numTx, numRx, rxStart := int(req[1]), int(req[2]), int(req[3])
	if len(req)-4 < numTx || numRx+3 > len(out) {
		out[1] = ispStatusFailed
		return 2
	}
	rx, err := p.engine.SPIMulti(ctx, req[4:4+numTx], numRx, rxStart)
	if err != nil {
		return ispResult(out, err)
	}
	out[1] = ispStatusOK
	copy(out[2:], rx)
	out[2+numRx] = ispStatusOK
	return numRx + 3
}
