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

package bridge

import (
	"context"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// I2C bridge operations. Requests are [op, addr, rdLen, data...].
const (
	I2CWrite     = 0x01
	I2CRead      = 0x02
	I2CWriteRead = 0x03
	I2CScan      = 0x04
	// I2CSetSpeed carries the bus speed in kHz, little-endian, in the addr
	// and rdLen bytes.
	I2CSetSpeed = 0x05
)

// Addresses probed by I2CScan; the reserved ranges are skipped.
const (
	scanFirst = 0x08
	scanLast  = 0x77
)

// I2C serves I2C bridge requests against one bus.
type I2C struct {
	bus i2c.Bus
}

// NewI2C creates an I2C bridge processor.
func NewI2C(bus i2c.Bus) *I2C {
	return &I2C{bus: bus}
}

// Process implements adapter.Processor.
func (b *I2C) Process(ctx context.Context, req, resp []byte) int {
	if len(req) == 0 {
		return reply(resp, 0, StatusBadRequest)
	}
	op := req[0]
	if len(req) < 3 || len(resp) < 2 {
		return reply(resp, op, StatusBadRequest)
	}
	if err := ctx.Err(); err != nil {
		return reply(resp, op, StatusBusError)
	}

	addr, rdLen, data := uint16(req[1]), int(req[2]), req[3:]

	switch op {
	case I2CWrite:
		if addr > 0x7F || len(data) == 0 {
			return reply(resp, op, StatusBadRequest)
		}
		return b.tx(resp, op, addr, data, nil)
	case I2CRead, I2CWriteRead:
		if addr > 0x7F || rdLen == 0 || 2+rdLen > len(resp) {
			return reply(resp, op, StatusBadRequest)
		}
		if op == I2CRead {
			data = nil
		} else if len(data) == 0 {
			return reply(resp, op, StatusBadRequest)
		}
		return b.tx(resp, op, addr, data, resp[2:2+rdLen])
	case I2CScan:
		return b.scan(ctx, resp, op)
	case I2CSetSpeed:
		khz := physic.Frequency(uint16(req[1]) | uint16(req[2])<<8)
		if khz == 0 {
			return reply(resp, op, StatusBadRequest)
		}
		if err := b.bus.SetSpeed(khz * physic.KiloHertz); err != nil {
			avrprobe.Debugf("bridge: i2c speed %d kHz: %v", khz, err)
			return reply(resp, op, StatusBusError)
		}
		return reply(resp, op, StatusOK)
	default:
		return reply(resp, op, StatusBadRequest)
	}
}

func (b *I2C) tx(resp []byte, op byte, addr uint16, w, r []byte) int {
	if err := b.bus.Tx(addr, w, r); err != nil {
		avrprobe.Debugf("bridge: i2c %02X at 0x%02X: %v", op, addr, err)
		return reply(resp, op, StatusBusError)
	}
	return reply(resp, op, StatusOK) + len(r)
}

// scan lists every address in the probe range that acknowledges a one-byte
// read.
func (b *I2C) scan(ctx context.Context, resp []byte, op byte) int {
	n := reply(resp, op, StatusOK)
	var probe [1]byte
	for addr := uint16(scanFirst); addr <= scanLast; addr++ {
		if ctx.Err() != nil {
			resp[1] = StatusBusError
			return n
		}
		if err := b.bus.Tx(addr, nil, probe[:]); err != nil {
			continue
		}
		if n == len(resp) {
			break
		}
		resp[n] = byte(addr)
		n++
	}
	return n
}

// String returns the name of the bus.
func (b *I2C) String() string {
	return b.bus.String()
}
