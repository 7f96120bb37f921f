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

// Package isp drives the serial (SPI) programming interface of an AVR
// target. An Engine is a small state machine over one TargetPort: it arms the
// target with EnterProgMode, runs instruction sequences against it and
// releases it with LeaveProgMode. Every exchange is bounded, so a dead target
// turns into an error rather than a stuck caller.
package isp

import (
	"context"
	"fmt"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/rtos"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
)

const (
	evExchangeDone rtos.EventBits = 1 << iota
)

// Instruction bytes the engine issues itself.
const (
	instrPollReady       = 0xF0
	instrLoadExtAddress  = 0x4D
	flashHighByteBit     = 0x08
	extendedAddressFlag  = 1 << 31
	defaultTraceCapacity = 32
)

// PollMethod selects how ChipErase waits for the erase to finish.
type PollMethod byte

const (
	// PollDelay sleeps for the erase delay.
	PollDelay PollMethod = 0
	// PollReadyBit polls the RDY/BSY bit until it clears.
	PollReadyBit PollMethod = 1
)

// Params are the programming parameters supplied when entering programming
// mode. Delays are in milliseconds. They persist until the next
// EnterProgMode.
type Params struct {
	Cmd         [4]byte
	Timeout     byte
	StabDelay   byte
	CmdexeDelay byte
	SynchLoops  byte
	ByteDelay   byte
	PollValue   byte
	// PollIndex is the 1-based response byte compared with PollValue.
	// Zero disables the check.
	PollIndex byte
}

// DefaultParams matches what AVR Studio sends for ATmega parts.
func DefaultParams() Params {
	return Params{
		Timeout:     200,
		StabDelay:   100,
		CmdexeDelay: 25,
		SynchLoops:  32,
		ByteDelay:   0,
		PollValue:   0x53,
		PollIndex:   3,
		Cmd:         [4]byte{0xAC, 0x53, 0x00, 0x00},
	}
}

// EraseParams configures ChipErase.
type EraseParams struct {
	Cmd        [4]byte
	EraseDelay byte
	PollMethod PollMethod
}

// Option configures an Engine.
type Option func(*Engine)

// WithExchangeTimeout bounds each SPI exchange.
func WithExchangeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.exchangeTimeout = d }
}

// WithTraceCapacity sets how many exchanges are kept for error traces.
func WithTraceCapacity(n int) Option {
	return func(e *Engine) { e.traceCapacity = n }
}

// Engine is the programmer state machine for one target port. It is driven
// by a single goroutine.
type Engine struct {
	port            avrprobe.TargetPort
	events          *rtos.EventGroup
	trace           *avrprobe.TraceBuffer
	doneErr         error
	exchangeTimeout time.Duration
	traceCapacity   int
	address         uint32
	gen             uint32
	doneGen         uint32
	doneMu          syncutil.Mutex
	params          Params
	progMode        bool
}

// New creates an engine over port.
func New(port avrprobe.TargetPort, opts ...Option) *Engine {
	e := &Engine{
		port:            port,
		events:          rtos.NewEventGroup(),
		exchangeTimeout: avrprobe.ExchangeTimeout,
		traceCapacity:   defaultTraceCapacity,
		params:          DefaultParams(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.trace = avrprobe.NewTraceBuffer("isp", port.Name(), e.traceCapacity)
	return e
}

// Params returns the parameters of the last EnterProgMode.
func (e *Engine) Params() Params { return e.params }

// ProgMode reports whether the target is armed.
func (e *Engine) ProgMode() bool { return e.progMode }

// Address returns the address register.
func (e *Engine) Address() uint32 { return e.address }

// LoadAddress sets the address register. Bit 31 requests a Load Extended
// Address instruction before the next flash access.
func (e *Engine) LoadAddress(addr uint32) {
	e.address = addr
}

// exchange shifts tx out and returns what the target shifted back. It waits
// at most the exchange timeout for the completion callback.
func (e *Engine) exchange(ctx context.Context, tx []byte, note string) ([]byte, error) {
	rx := make([]byte, len(tx))

	e.gen++
	gen := e.gen
	e.events.Clear(evExchangeDone)

	e.trace.RecordTX(tx, note)
	err := e.port.StartExchange(tx, rx, func(err error) {
		e.doneMu.Lock()
		e.doneGen = gen
		e.doneErr = err
		e.doneMu.Unlock()
		e.events.Set(evExchangeDone)
	})
	if err != nil {
		return nil, fmt.Errorf("start exchange: %w", err)
	}

	deadline := time.Now().Add(e.exchangeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = rtos.NoWait
		}
		if _, err := e.events.Wait(ctx, evExchangeDone, rtos.WaitAny, true, remaining); err != nil {
			e.trace.RecordTimeout(note)
			avrprobe.Debugf("isp: %s exchange timed out after %v", note, e.exchangeTimeout)
			return nil, fmt.Errorf("%s: %w", note, err)
		}

		e.doneMu.Lock()
		matched, doneErr := e.doneGen == gen, e.doneErr
		e.doneMu.Unlock()
		if matched {
			if doneErr != nil {
				return nil, fmt.Errorf("%s: %w", note, doneErr)
			}
			e.trace.RecordRX(rx, note)
			return rx, nil
		}
		// A late completion of an earlier, abandoned exchange.
	}
}

// instruction runs one 4-byte serial programming instruction.
func (e *Engine) instruction(ctx context.Context, cmd [4]byte, note string) ([]byte, error) {
	return e.exchange(ctx, cmd[:], note)
}

// EnterProgMode resets the target into serial programming mode. It retries
// the programming-enable instruction up to SynchLoops times, pulsing the
// clock between attempts. On exhaustion the port is detached and the error
// wraps avrprobe.ErrSyncFailed.
func (e *Engine) EnterProgMode(ctx context.Context, p Params) error {
	e.params = p
	e.progMode = false
	e.trace.Clear()

	if err := e.port.Attach(); err != nil {
		return e.trace.WrapError(fmt.Errorf("attach %s: %w", e.port.Name(), err))
	}
	if err := sleepCtx(ctx, ms(p.StabDelay)); err != nil {
		_ = e.port.Detach()
		return err
	}

	var deadline time.Time
	if p.Timeout > 0 {
		deadline = time.Now().Add(ms(p.Timeout))
	}

	attempts := 0
	for attempts < int(p.SynchLoops) {
		attempts++
		rx, err := e.instruction(ctx, p.Cmd, "program enable")
		if err != nil {
			_ = e.port.Detach()
			return e.trace.WrapError(err)
		}
		if p.PollIndex == 0 || (int(p.PollIndex) <= len(rx) && rx[p.PollIndex-1] == p.PollValue) {
			e.progMode = true
			avrprobe.Debugf("isp: in sync after %d attempt(s)", attempts)
			return sleepCtx(ctx, ms(p.CmdexeDelay))
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		if err := e.port.PulseClock(); err != nil {
			_ = e.port.Detach()
			return e.trace.WrapError(fmt.Errorf("pulse clock: %w", err))
		}
		if err := sleepCtx(ctx, ms(p.ByteDelay)); err != nil {
			_ = e.port.Detach()
			return err
		}
	}

	_ = e.port.Detach()
	avrprobe.Debugf("isp: no sync after %d attempt(s)", attempts)
	return e.trace.WrapError(fmt.Errorf("program enable after %d attempts: %w", attempts, avrprobe.ErrSyncFailed))
}

// LeaveProgMode releases the target, waiting pre milliseconds before and
// post milliseconds after.
func (e *Engine) LeaveProgMode(ctx context.Context, pre, post byte) error {
	if err := sleepCtx(ctx, ms(pre)); err != nil {
		return err
	}
	e.progMode = false
	if err := e.port.Detach(); err != nil {
		return fmt.Errorf("detach %s: %w", e.port.Name(), err)
	}
	return sleepCtx(ctx, ms(post))
}

// ChipErase erases flash, EEPROM and lock bits.
func (e *Engine) ChipErase(ctx context.Context, p EraseParams) error {
	e.trace.Clear()
	if _, err := e.instruction(ctx, p.Cmd, "chip erase"); err != nil {
		return e.trace.WrapError(err)
	}

	if p.PollMethod != PollReadyBit {
		return sleepCtx(ctx, ms(p.EraseDelay))
	}
	return e.waitReady(ctx, ms(p.EraseDelay))
}

// waitReady polls RDY/BSY until the target reports ready or limit passes.
func (e *Engine) waitReady(ctx context.Context, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for {
		rx, err := e.instruction(ctx, [4]byte{instrPollReady}, "poll ready")
		if err != nil {
			return e.trace.WrapError(err)
		}
		if rx[3]&0x01 == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return e.trace.WrapError(fmt.Errorf("busy after %v: %w", limit, avrprobe.ErrBusyTimeout))
		}
		if err := sleepCtx(ctx, avrprobe.BusyPollInterval); err != nil {
			return err
		}
	}
}

// ReadMemory reads len(dst) bytes with readCmd, one instruction per byte,
// starting at the address register. The register advances by len(dst).
func (e *Engine) ReadMemory(ctx context.Context, readCmd byte, dst []byte) error {
	e.trace.Clear()
	for i := range dst {
		addr := e.address
		rx, err := e.instruction(ctx, [4]byte{readCmd, byte(addr >> 8), byte(addr), 0x00}, "read memory")
		if err != nil {
			return e.trace.WrapError(err)
		}
		dst[i] = rx[3]
		e.address++
	}
	return nil
}

// ReadFlash reads len(dst) bytes of program memory. Flash is word
// addressed: even bytes use readCmd, odd bytes the high-byte variant, and the
// address register advances once per word.
func (e *Engine) ReadFlash(ctx context.Context, readCmd byte, dst []byte) error {
	e.trace.Clear()
	if e.address&extendedAddressFlag != 0 {
		ext := byte(e.address >> 16)
		if _, err := e.instruction(ctx, [4]byte{instrLoadExtAddress, 0x00, ext, 0x00}, "load extended address"); err != nil {
			return e.trace.WrapError(err)
		}
		e.address &^= extendedAddressFlag
	}

	for i := range dst {
		cmd := readCmd &^ flashHighByteBit
		if i&1 == 1 {
			cmd |= flashHighByteBit
		}
		addr := e.address
		rx, err := e.instruction(ctx, [4]byte{cmd, byte(addr >> 8), byte(addr), 0x00}, "read flash")
		if err != nil {
			return e.trace.WrapError(err)
		}
		dst[i] = rx[3]
		if i&1 == 1 {
			e.address++
		}
	}
	return nil
}

// ReadByteCommand runs cmd and returns response byte retAddr (1-based). It
// backs the fuse, lock, signature and calibration reads.
func (e *Engine) ReadByteCommand(ctx context.Context, retAddr byte, cmd [4]byte) (byte, error) {
	if retAddr < 1 || retAddr > 4 {
		return 0, fmt.Errorf("return address %d: %w", retAddr, avrprobe.ErrInvalidParameter)
	}
	e.trace.Clear()
	rx, err := e.instruction(ctx, cmd, "read byte")
	if err != nil {
		return 0, e.trace.WrapError(err)
	}
	return rx[retAddr-1], nil
}

// WriteByteCommand runs a fuse or lock programming instruction.
func (e *Engine) WriteByteCommand(ctx context.Context, cmd [4]byte) error {
	e.trace.Clear()
	if _, err := e.instruction(ctx, cmd, "write byte"); err != nil {
		return e.trace.WrapError(err)
	}
	return nil
}

// SPIMulti shifts out tx, padded with zeros to cover the receive window,
// and returns numRx bytes starting at rxStart.
func (e *Engine) SPIMulti(ctx context.Context, tx []byte, numRx, rxStart int) ([]byte, error) {
	if numRx < 0 || rxStart < 0 {
		return nil, fmt.Errorf("spi multi rx %d at %d: %w", numRx, rxStart, avrprobe.ErrInvalidParameter)
	}
	total := max(len(tx), rxStart+numRx)
	if total == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, total)
	copy(buf, tx)

	e.trace.Clear()
	rx, err := e.exchange(ctx, buf, "spi multi")
	if err != nil {
		return nil, e.trace.WrapError(err)
	}
	return rx[rxStart : rxStart+numRx], nil
}

func ms(v byte) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
