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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "empty", data: nil, want: 0xFFFF},
		{name: "check string", data: []byte("123456789"), want: 0x6F91},
		{name: "reference frame head and body", data: iceVector[:12], want: 0xC3C2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CRC16(tt.data))
		})
	}
}

func TestCRC16_Incremental(t *testing.T) {
	t.Parallel()

	crc := NewCRC16()
	for _, b := range []byte("123456789") {
		crc.Update(b)
	}
	assert.Equal(t, uint16(0x6F91), crc.Sum())
	crc.Reset()
	assert.Equal(t, CRC16Seed, crc.Sum())
}

func TestXOR16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "empty", data: nil, want: 0},
		{name: "single", data: []byte{0x5A}, want: 0x5A},
		{name: "cancelling", data: []byte{0xF0, 0xF0}, want: 0},
		{name: "mixed", data: []byte{0x10, 0x20, 0x04}, want: 0x34},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, XOR16(tt.data))
		})
	}
}
