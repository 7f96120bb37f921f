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

import (
	"testing"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want Command
		name string
		body []byte
	}{
		{name: "sign on", body: []byte{0x01}, want: SignOn{}},
		{name: "sign off", body: []byte{0x00}, want: SignOff{}},
		{name: "get parameter", body: []byte{0x03, 0x06}, want: GetParameter{ID: ParOCDVTarget}},
		{name: "set parameter", body: []byte{0x02, 0x03, 0x03}, want: SetParameter{ID: ParEmulatorMode, Value: []byte{0x03}}},
		{
			name: "read memory",
			body: []byte{0x05, 0xB4, 0x03, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00},
			want: ReadMemory{MemType: MemSignature, Length: 3, Address: 1},
		},
		{
			name: "write memory",
			body: []byte{0x04, 0x22, 0x02, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0xAA, 0xBB},
			want: WriteMemory{MemType: MemEEPROM, Address: 0x10, Data: []byte{0xAA, 0xBB}},
		},
		{name: "reset", body: []byte{0x0B, 0x01}, want: Reset{Flags: 0x01}},
		{name: "forced stop", body: []byte{0x0A, 0x01}, want: ForcedStop{Mode: 0x01}},
		{name: "single step", body: []byte{0x09, 0x01, 0x02}, want: SingleStep{Flags: 0x01, Mode: 0x02}},
		{name: "go", body: []byte{0x08}, want: Go{}},
		{name: "read pc", body: []byte{0x07}, want: ReadPC{}},
		{name: "get sync", body: []byte{0x0F}, want: GetSync{}},
		{name: "isp packet", body: []byte{0x2F, 0x02, 0x00, 0x01, 0x02}, want: ISPPacket{Data: []byte{0x01, 0x02}}},
		{name: "unknown", body: []byte{0x42, 0x01}, want: Unknown{Op: 0x42, Body: []byte{0x01}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, err := DecodeCommand(tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
			assert.Equal(t, tt.body, cmd.Encode())
		})
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body []byte
	}{
		{name: "empty", body: nil},
		{name: "get parameter without id", body: []byte{0x03}},
		{name: "set parameter without value", body: []byte{0x02, 0x03}},
		{name: "short read memory", body: []byte{0x05, 0xB4, 0x01}},
		{name: "write memory length mismatch", body: []byte{0x04, 0x22, 0x05, 0, 0, 0, 0, 0, 0, 0, 0xAA}},
		{name: "reset without flags", body: []byte{0x0B}},
		{name: "isp packet shorter than declared", body: []byte{0x2F, 0x05, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeCommand(tt.body)
			require.ErrorIs(t, err, avrprobe.ErrInvalidParameter)
		})
	}
}

func TestEmulatorModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "debugWIRE", ModeDebugWire.String())
	assert.Equal(t, "SPI", ModeSPI.String())
	assert.Equal(t, "unknown", EmulatorMode(0x7F).String())
}
