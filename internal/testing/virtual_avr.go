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

// Package testing provides simulators used by the package tests.
//
// VirtualAVR implements avrprobe.TargetPort and answers the AVR serial
// programming instruction set the way an ATmega target does: the byte sent in
// position n is echoed in position n+1 and read results come back in the
// fourth byte.
//
// HostWire and JitteryWire stand in for the USB CDC link to the host.
package testing

import (
	"fmt"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
)

// Serial programming instruction bytes.
const (
	ispProgramEnable = 0xAC
	ispEnableSecond  = 0x53
	ispChipErase     = 0x80
	ispPollReady     = 0xF0
	ispReadSignature = 0x30
	ispReadFuseLow   = 0x50
	ispReadFuseHigh  = 0x58
	ispReadCal       = 0x38
	ispReadFlashLow  = 0x20
	ispReadFlashHigh = 0x28
	ispReadEEPROM    = 0xA0
	ispWriteEEPROM   = 0xC0
	ispWriteFuseLow  = 0xA0
	ispWriteFuseHigh = 0xA8
	ispWriteFuseExt  = 0xA4
	ispWriteLock     = 0xE0
)

// ATmega328P identity used when no signature is configured.
var defaultSignature = [3]byte{0x1E, 0x95, 0x0F}

// AVROption configures a VirtualAVR.
type AVROption func(*VirtualAVR)

// WithNeverSync makes every program-enable attempt fail.
func WithNeverSync() AVROption {
	return func(v *VirtualAVR) { v.syncAfter = -1 }
}

// WithSyncAfter makes the first n program-enable attempts fail.
func WithSyncAfter(n int) AVROption {
	return func(v *VirtualAVR) { v.syncAfter = n }
}

// WithHang makes the target accept exchanges but never complete them.
func WithHang() AVROption {
	return func(v *VirtualAVR) { v.hang = true }
}

// WithBusyPolls makes the ready poll report busy n times after an erase.
func WithBusyPolls(n int) AVROption {
	return func(v *VirtualAVR) { v.busyPolls = n }
}

// WithSignature sets the device signature.
func WithSignature(sig [3]byte) AVROption {
	return func(v *VirtualAVR) { v.signature = sig }
}

// WithFuses sets the low, high and extended fuse bytes.
func WithFuses(low, high, ext byte) AVROption {
	return func(v *VirtualAVR) { v.fuses = [3]byte{low, high, ext} }
}

// WithLock sets the lock byte.
func WithLock(lock byte) AVROption {
	return func(v *VirtualAVR) { v.lock = lock }
}

// WithCalibration sets the oscillator calibration byte.
func WithCalibration(cal byte) AVROption {
	return func(v *VirtualAVR) { v.osccal = cal }
}

// VirtualAVR simulates an AVR target on the far side of the ISP link.
type VirtualAVR struct {
	flash       []byte
	eeprom      []byte
	log         [][]byte
	mu          syncutil.Mutex
	syncAfter   int
	attempts    int
	pulses      int
	busyPolls   int
	busyLeft    int
	signature   [3]byte
	fuses       [3]byte
	lock        byte
	osccal      byte
	attached    bool
	progEnabled bool
	hang        bool
}

// NewVirtualAVR creates a 32 KiB flash, 1 KiB EEPROM target.
func NewVirtualAVR(opts ...AVROption) *VirtualAVR {
	v := &VirtualAVR{
		flash:     make([]byte, 32*1024),
		eeprom:    make([]byte, 1024),
		signature: defaultSignature,
		fuses:     [3]byte{0x62, 0xD9, 0xFF},
		lock:      0xFF,
		osccal:    0x9A,
	}
	for i := range v.flash {
		v.flash[i] = 0xFF
	}
	for i := range v.eeprom {
		v.eeprom[i] = 0xFF
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Name implements avrprobe.TargetPort.
func (*VirtualAVR) Name() string { return "virtual-avr" }

// Attach implements avrprobe.TargetPort.
func (v *VirtualAVR) Attach() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attached = true
	return nil
}

// Detach implements avrprobe.TargetPort.
func (v *VirtualAVR) Detach() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attached = false
	v.progEnabled = false
	return nil
}

// PulseClock implements avrprobe.TargetPort.
func (v *VirtualAVR) PulseClock() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pulses++
	return nil
}

// StartExchange implements avrprobe.TargetPort. Completion is reported from
// a separate goroutine, like an SPI DMA interrupt.
func (v *VirtualAVR) StartExchange(tx, rx []byte, done func(error)) error {
	if len(rx) < len(tx) {
		return fmt.Errorf("rx buffer %d shorter than tx %d: %w", len(rx), len(tx), avrprobe.ErrInvalidSize)
	}

	v.mu.Lock()
	if !v.attached {
		v.mu.Unlock()
		return avrprobe.ErrTargetNotAttached
	}
	v.log = append(v.log, append([]byte(nil), tx...))
	if v.hang {
		v.mu.Unlock()
		return nil
	}
	for off := 0; off+4 <= len(tx); off += 4 {
		v.instruction(tx[off:off+4], rx[off:off+4])
	}
	for i := len(tx) &^ 3; i < len(tx); i++ {
		rx[i] = 0xFF
	}
	v.mu.Unlock()

	go done(nil)
	return nil
}

// instruction executes one 4-byte serial programming instruction.
func (v *VirtualAVR) instruction(cmd, rx []byte) {
	rx[0] = 0xFF
	rx[1] = cmd[0]
	rx[2] = cmd[1]
	rx[3] = 0x00

	if cmd[0] == ispProgramEnable && cmd[1] == ispEnableSecond {
		v.attempts++
		if v.syncAfter < 0 || v.attempts <= v.syncAfter {
			rx[1], rx[2] = 0xFF, 0xFF
			return
		}
		v.progEnabled = true
		rx[2] = ispEnableSecond
		return
	}

	if !v.progEnabled {
		rx[1], rx[2], rx[3] = 0xFF, 0xFF, 0xFF
		return
	}

	addr := int(cmd[1])<<8 | int(cmd[2])

	switch cmd[0] {
	case ispProgramEnable:
		v.programSecondary(cmd)
	case ispPollReady:
		if v.busyLeft > 0 {
			v.busyLeft--
			rx[3] = 0x01
		}
	case ispReadSignature:
		rx[3] = v.signature[cmd[2]%3]
	case ispReadFuseLow:
		if cmd[1] == 0x08 {
			rx[3] = v.fuses[2]
		} else {
			rx[3] = v.fuses[0]
		}
	case ispReadFuseHigh:
		if cmd[1] == 0x08 {
			rx[3] = v.fuses[1]
		} else {
			rx[3] = v.lock
		}
	case ispReadCal:
		rx[3] = v.osccal
	case ispReadFlashLow:
		rx[3] = v.flash[(2*addr)%len(v.flash)]
	case ispReadFlashHigh:
		rx[3] = v.flash[(2*addr+1)%len(v.flash)]
	case ispReadEEPROM:
		rx[3] = v.eeprom[addr%len(v.eeprom)]
	case ispWriteEEPROM:
		v.eeprom[addr%len(v.eeprom)] = cmd[3]
	}
}

// programSecondary handles the 0xAC group: erase and fuse or lock writes.
func (v *VirtualAVR) programSecondary(cmd []byte) {
	switch cmd[1] {
	case ispChipErase:
		for i := range v.flash {
			v.flash[i] = 0xFF
		}
		for i := range v.eeprom {
			v.eeprom[i] = 0xFF
		}
		v.lock = 0xFF
		v.busyLeft = v.busyPolls
	case ispWriteFuseLow:
		v.fuses[0] = cmd[3]
	case ispWriteFuseHigh:
		v.fuses[1] = cmd[3]
	case ispWriteFuseExt:
		v.fuses[2] = cmd[3]
	case ispWriteLock:
		v.lock = cmd[3]
	}
}

// SetFlashWord stores a program word at a word address.
func (v *VirtualAVR) SetFlashWord(addr int, word uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flash[2*addr] = byte(word)
	v.flash[2*addr+1] = byte(word >> 8)
}

// SetEEPROM stores one EEPROM byte.
func (v *VirtualAVR) SetEEPROM(addr int, b byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.eeprom[addr] = b
}

// EEPROM returns one EEPROM byte.
func (v *VirtualAVR) EEPROM(addr int) byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.eeprom[addr]
}

// Fuses returns the low, high and extended fuse bytes.
func (v *VirtualAVR) Fuses() [3]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fuses
}

// Lock returns the lock byte.
func (v *VirtualAVR) Lock() byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lock
}

// Attempts returns the number of program-enable instructions received.
func (v *VirtualAVR) Attempts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts
}

// Pulses returns the number of clock pulses requested.
func (v *VirtualAVR) Pulses() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pulses
}

// Attached reports whether the port is attached.
func (v *VirtualAVR) Attached() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attached
}

// ProgEnabled reports whether the target is in programming mode.
func (v *VirtualAVR) ProgEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.progEnabled
}

// Exchanges returns a copy of every transmitted buffer.
func (v *VirtualAVR) Exchanges() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.log))
	copy(out, v.log)
	return out
}

var _ avrprobe.TargetPort = (*VirtualAVR)(nil)
