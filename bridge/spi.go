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
	"periph.io/x/conn/v3/spi"
)

// SPI bridge operations. Requests are [op, data...].
const (
	SPITransfer = 0x01
	SPIWrite    = 0x02
)

// SPI serves SPI bridge requests against one connection.
type SPI struct {
	conn spi.Conn
}

// NewSPI creates an SPI bridge processor.
func NewSPI(conn spi.Conn) *SPI {
	return &SPI{conn: conn}
}

// Process implements adapter.Processor. A transfer answers with the bytes
// clocked in while data was clocked out.
func (b *SPI) Process(ctx context.Context, req, resp []byte) int {
	if len(req) == 0 {
		return reply(resp, 0, StatusBadRequest)
	}
	op, data := req[0], req[1:]
	if len(data) == 0 || len(resp) < 2 {
		return reply(resp, op, StatusBadRequest)
	}
	if err := ctx.Err(); err != nil {
		return reply(resp, op, StatusBusError)
	}

	var r []byte
	switch op {
	case SPITransfer:
		if 2+len(data) > len(resp) {
			return reply(resp, op, StatusBadRequest)
		}
		r = resp[2 : 2+len(data)]
	case SPIWrite:
	default:
		return reply(resp, op, StatusBadRequest)
	}

	if err := b.conn.Tx(data, r); err != nil {
		avrprobe.Debugf("bridge: spi %02X (%d bytes): %v", op, len(data), err)
		return reply(resp, op, StatusBusError)
	}
	return reply(resp, op, StatusOK) + len(r)
}

// String returns the name of the connection.
func (b *SPI) String() string {
	return b.conn.String()
}
