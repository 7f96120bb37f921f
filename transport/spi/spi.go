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

// Package spi drives a target AVR's serial programming interface through a
// periph.io SPI port and a GPIO wired to the target's RESET line. Port
// implements avrprobe.TargetPort for the isp engine.
package spi

import (
	"fmt"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	// DefaultFrequency is safe for targets running from the 1 MHz internal
	// oscillator; the SPI clock must stay below a quarter of the target
	// clock.
	DefaultFrequency = 125 * physic.KiloHertz

	mode = spi.Mode0
)

// Option configures New.
type Option func(*config)

type config struct {
	freq       physic.Frequency
	pulseWidth time.Duration
}

// WithFrequency sets the SPI clock.
func WithFrequency(f physic.Frequency) Option {
	return func(c *config) { c.freq = f }
}

// WithPulseWidth sets the width of the RESET pulse used by PulseClock.
func WithPulseWidth(d time.Duration) Option {
	return func(c *config) { c.pulseWidth = d }
}

// Port is the SPI link to one target.
type Port struct {
	port       spi.PortCloser
	conn       spi.Conn
	reset      gpio.PinOut
	name       string
	pulseWidth time.Duration
	mu         syncutil.Mutex
	attached   bool
	busy       bool
}

// New opens an SPI port and the GPIO driving the target's RESET.
func New(portName, resetPin string, opts ...Option) (*Port, error) {
	cfg := config{freq: DefaultFrequency, pulseWidth: avrprobe.ClockPulseWidth}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	reset := gpioreg.ByName(resetPin)
	if reset == nil {
		return nil, fmt.Errorf("reset pin %s: %w", resetPin, avrprobe.ErrDeviceNotFound)
	}

	port, conn, err := OpenConn(portName, cfg.freq)
	if err != nil {
		return nil, err
	}

	p := newPort(conn, reset, portName, cfg.pulseWidth)
	p.port = port
	// the target runs until programming starts
	if err := reset.Out(gpio.High); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("release reset %s: %w", resetPin, err)
	}
	return p, nil
}

// OpenConn opens portName as a plain mode 0 SPI connection with no reset
// line. The EAST SPI bridge drives its device through it.
func OpenConn(portName string, freq physic.Frequency) (spi.PortCloser, spi.Conn, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}

	conn, err := port.Connect(freq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, nil, fmt.Errorf("failed to connect SPI: %w", err)
	}
	return port, conn, nil
}

func newPort(conn spi.Conn, reset gpio.PinOut, name string, pulseWidth time.Duration) *Port {
	return &Port{conn: conn, reset: reset, name: name, pulseWidth: pulseWidth}
}

// Attach holds the target in reset so it listens on SPI.
func (p *Port) Attach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("assert reset: %w", err)
	}
	p.attached = true
	return nil
}

// Detach releases RESET so the target runs again.
func (p *Port) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = false
	if err := p.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("release reset: %w", err)
	}
	return nil
}

// PulseClock gives RESET a short positive pulse, which restarts the
// target's serial programming state machine after a failed enable.
func (p *Port) PulseClock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return avrprobe.ErrTargetNotAttached
	}
	if err := p.reset.Out(gpio.High); err != nil {
		return fmt.Errorf("pulse reset: %w", err)
	}
	time.Sleep(p.pulseWidth)
	if err := p.reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("pulse reset: %w", err)
	}
	return nil
}

// StartExchange runs the transfer on its own goroutine and reports through
// done, the way a DMA completion would.
func (p *Port) StartExchange(tx, rx []byte, done func(error)) error {
	if len(rx) < len(tx) {
		return fmt.Errorf("rx buffer %d shorter than tx %d: %w", len(rx), len(tx), avrprobe.ErrInvalidSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return avrprobe.ErrTargetNotAttached
	}
	if p.busy {
		return fmt.Errorf("exchange in progress on %s: %w", p.name, avrprobe.ErrInvalidParameter)
	}
	p.busy = true

	go func() {
		err := p.conn.Tx(tx, rx[:len(tx)])
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
		if err != nil {
			err = avrprobe.NewTransportError("exchange", p.name, err, avrprobe.ErrorTypeTransient)
		}
		done(err)
	}()
	return nil
}

// Name returns the SPI port name.
func (p *Port) Name() string {
	return p.name
}

// Close releases the target and the SPI port.
func (p *Port) Close() error {
	_ = p.Detach()
	if p.port != nil {
		if err := p.port.Close(); err != nil {
			return fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return nil
}

var _ avrprobe.TargetPort = (*Port)(nil)
