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

package frame

// Integrity accumulates a frame check value one byte at a time.
type Integrity interface {
	Reset()
	Update(b byte)
	Sum() uint16
}

// crcTable is the byte-wise table for the reflected 0x8408 polynomial.
var crcTable = func() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// CRC16Seed is the initial CRC register value.
const CRC16Seed uint16 = 0xFFFF

type crc16 struct {
	crc uint16
}

// NewCRC16 returns the CRC-16 used by the ICEMKII layout.
func NewCRC16() Integrity {
	return &crc16{crc: CRC16Seed}
}

func (c *crc16) Reset() { c.crc = CRC16Seed }

func (c *crc16) Update(b byte) {
	c.crc = (c.crc >> 8) ^ crcTable[byte(c.crc)^b]
}

func (c *crc16) Sum() uint16 { return c.crc }

// CRC16 computes the ICEMKII CRC over data.
func CRC16(data []byte) uint16 {
	c := crc16{crc: CRC16Seed}
	for _, b := range data {
		c.Update(b)
	}
	return c.crc
}

type xor16 struct {
	sum byte
}

// NewXOR16 returns the XOR checksum used by the EAST layout. The high byte
// of the sum is always zero.
func NewXOR16() Integrity {
	return &xor16{}
}

func (x *xor16) Reset() { x.sum = 0 }

func (x *xor16) Update(b byte) { x.sum ^= b }

func (x *xor16) Sum() uint16 { return uint16(x.sum) }

// XOR16 computes the EAST checksum over data.
func XOR16(data []byte) uint16 {
	var x xor16
	for _, b := range data {
		x.Update(b)
	}
	return x.Sum()
}
