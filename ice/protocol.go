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

// Opcode is the first byte of a host command body.
type Opcode byte

// Host commands (AVR067 §5).
const (
	CmdSignOff      Opcode = 0x00
	CmdGetSignOn    Opcode = 0x01
	CmdSetParameter Opcode = 0x02
	CmdGetParameter Opcode = 0x03
	CmdWriteMemory  Opcode = 0x04
	CmdReadMemory   Opcode = 0x05
	CmdReadPC       Opcode = 0x07
	CmdGo           Opcode = 0x08
	CmdSingleStep   Opcode = 0x09
	CmdForcedStop   Opcode = 0x0A
	CmdReset        Opcode = 0x0B
	CmdGetSync      Opcode = 0x0F
	CmdISPPacket    Opcode = 0x2F
)

// Responses (AVR067 §6).
const (
	RspOK                  = 0x80
	RspParameter           = 0x81
	RspMemory              = 0x82
	RspPC                  = 0x84
	RspSignOn              = 0x86
	RspSPIData             = 0x88
	RspFailed              = 0xA0
	RspIllegalParameter    = 0xA1
	RspIllegalMemoryType   = 0xA2
	RspIllegalMemoryRange  = 0xA3
	RspIllegalEmulatorMode = 0xA4
	RspIllegalMCUState     = 0xA5
	RspIllegalValue        = 0xA6
	RspIllegalCommand      = 0xAA
	RspDebugWireSyncFailed = 0xAC
)

// Parameter IDs.
const (
	ParHWVersion       = 0x01
	ParFWVersion       = 0x02
	ParEmulatorMode    = 0x03
	ParBaudRate        = 0x05
	ParOCDVTarget      = 0x06
	ParOCDJTAGClock    = 0x07
	ParExternalReset   = 0x13
	ParFlashPageSize   = 0x14
	ParEEPROMPageSize  = 0x15
	ParMCUState        = 0x1A
	ParDaisyChainInfo  = 0x1B
	ParTargetSignature = 0x1D
	ParRunAfterProgram = 0x38
	ParParsingErrors   = 0x40
	ParValidPackets    = 0x41
)

// EmulatorMode is the value of ParEmulatorMode.
type EmulatorMode byte

// Emulator modes.
const (
	ModeDebugWire EmulatorMode = 0x00
	ModeJTAG      EmulatorMode = 0x01
	ModeHV        EmulatorMode = 0x02
	ModeSPI       EmulatorMode = 0x03
	ModeJTAGXmega EmulatorMode = 0x04
)

func (m EmulatorMode) String() string {
	switch m {
	case ModeDebugWire:
		return "debugWIRE"
	case ModeJTAG:
		return "JTAG"
	case ModeHV:
		return "HV"
	case ModeSPI:
		return "SPI"
	case ModeJTAGXmega:
		return "JTAG-Xmega"
	default:
		return "unknown"
	}
}

// Memory types for read and write memory commands.
const (
	MemSRAM      = 0x20
	MemEEPROM    = 0x22
	MemIOShadow  = 0x30
	MemFuseBits  = 0xB2
	MemLockBits  = 0xB3
	MemSignature = 0xB4
	MemOscCal    = 0xB5
)

// MCU states reported through ParMCUState.
const (
	mcuStopped = 0x00
	mcuRunning = 0x01
)

// ISP sub-commands carried in CmdISPPacket (AVR068).
const (
	ispSignOn         = 0x01
	ispSetParameter   = 0x02
	ispGetParameter   = 0x03
	ispLoadAddress    = 0x06
	ispEnterProgMode  = 0x10
	ispLeaveProgMode  = 0x11
	ispChipErase      = 0x12
	ispReadFlash      = 0x14
	ispReadEEPROM     = 0x16
	ispProgramFuse    = 0x17
	ispReadFuse       = 0x18
	ispProgramLock    = 0x19
	ispReadLock       = 0x1A
	ispReadSignature  = 0x1B
	ispReadOscCal     = 0x1C
	ispSPIMulti       = 0x1D
	ispStatusOK       = 0x00
	ispStatusTimeout  = 0x80
	ispStatusBusy     = 0x81
	ispStatusFailed   = 0xC0
	ispStatusUnknown  = 0xC9
	ispSignOnIdentity = "AVRISP_2"
)

// STK500v2 parameters answered by the ISP sub-dispatcher.
const (
	stkBuildLow    = 0x80
	stkBuildHigh   = 0x81
	stkHWVersion   = 0x90
	stkSWMajor     = 0x91
	stkSWMinor     = 0x92
	stkVTarget     = 0x94
	stkSCKDuration = 0x98
	stkResetPol    = 0x9E
	stkCtrlInit    = 0x9F
)

// signOnIdentity closes every sign-on response.
const signOnIdentity = "JTAGICE mkII"
