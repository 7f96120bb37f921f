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

// Package bridge implements the request processors behind the EAST I2C and
// SPI bridge channels. A request names an operation in its first byte; the
// response echoes it with the high bit set followed by a status byte and any
// data read back from the bus.
package bridge

// Response status codes.
const (
	StatusOK         = 0x00
	StatusBusError   = 0x01
	StatusBadRequest = 0x02
)

const replyFlag = 0x80

// reply writes [op|0x80, status] and returns the header length, or 0 when
// resp cannot hold it.
func reply(resp []byte, op, status byte) int {
	if len(resp) < 2 {
		return 0
	}
	resp[0] = op | replyFlag
	resp[1] = status
	return 2
}
