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

// Package i2c opens the periph.io I2C bus behind the I2C bridge channel.
package i2c

import (
	"fmt"
	"strings"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// DefaultSpeed is standard mode.
	DefaultSpeed = 100 * physic.KiloHertz
	// MaxSpeed is fast mode; higher requests are clamped.
	MaxSpeed = 400 * physic.KiloHertz

	traceCapacity = 16
)

// Bus is an I2C bus shared by the bridge. Transactions are serialised and
// the last few are kept for error traces.
type Bus struct {
	bus   i2c.BusCloser
	trace *avrprobe.TraceBuffer
	name  string
	mu    syncutil.Mutex
}

// parsePath extracts the bus path from a composite path.
// Accepts "/dev/i2c-1:0x24" or "/dev/i2c-1".
func parsePath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// Open initialises the periph host drivers and opens the named bus.
func Open(busName string, speed physic.Frequency) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(parsePath(busName))
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	b := newBus(bus, busName)
	if speed > 0 {
		if err := b.SetSpeed(speed); err != nil {
			// keep the driver default
			avrprobe.Debugf("i2c: %v", err)
		}
	}
	return b, nil
}

func newBus(bus i2c.BusCloser, name string) *Bus {
	return &Bus{
		bus:   bus,
		name:  name,
		trace: avrprobe.NewTraceBuffer("I2C", name, traceCapacity),
	}
}

// Tx implements i2c.Bus.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	note := fmt.Sprintf("0x%02X", addr)
	if len(w) > 0 {
		b.trace.RecordTX(w, note)
	}
	if err := b.bus.Tx(addr, w, r); err != nil {
		b.trace.RecordRX(nil, "NAK "+note)
		return b.trace.WrapError(avrprobe.NewTransportError("tx", b.name, err, avrprobe.ErrorTypeTransient))
	}
	if len(r) > 0 {
		b.trace.RecordRX(r, note)
	}
	return nil
}

// SetSpeed implements i2c.Bus, clamping to MaxSpeed.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f = min(f, MaxSpeed)
	if err := b.bus.SetSpeed(f); err != nil {
		return fmt.Errorf("set speed %s on %s: %w", f, b.name, err)
	}
	return nil
}

// String implements i2c.Bus.
func (b *Bus) String() string {
	return b.name
}

// Close releases the bus.
func (b *Bus) Close() error {
	if err := b.bus.Close(); err != nil {
		return fmt.Errorf("I2C close failed: %w", err)
	}
	return nil
}

var _ i2c.BusCloser = (*Bus)(nil)
