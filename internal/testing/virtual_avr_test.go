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

package testing

import (
	"context"
	"testing"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(t *testing.T, v *VirtualAVR, tx ...byte) []byte {
	t.Helper()
	rx := make([]byte, len(tx))
	done := make(chan error, 1)
	require.NoError(t, v.StartExchange(tx, rx, func(err error) { done <- err }))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("exchange never completed")
	}
	return rx
}

func enable(t *testing.T, v *VirtualAVR) {
	t.Helper()
	require.NoError(t, v.Attach())
	rx := exchange(t, v, 0xAC, 0x53, 0x00, 0x00)
	require.Equal(t, byte(0x53), rx[2])
}

func TestVirtualAVR_RequiresAttach(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR()
	err := v.StartExchange([]byte{0xAC, 0x53, 0, 0}, make([]byte, 4), func(error) {})
	require.ErrorIs(t, err, avrprobe.ErrTargetNotAttached)
}

func TestVirtualAVR_ProgramEnable(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR(WithSyncAfter(2))
	require.NoError(t, v.Attach())

	for range 2 {
		rx := exchange(t, v, 0xAC, 0x53, 0x00, 0x00)
		assert.NotEqual(t, byte(0x53), rx[2])
		require.NoError(t, v.PulseClock())
	}
	rx := exchange(t, v, 0xAC, 0x53, 0x00, 0x00)
	assert.Equal(t, byte(0x53), rx[2])
	assert.True(t, v.ProgEnabled())
	assert.Equal(t, 3, v.Attempts())
	assert.Equal(t, 2, v.Pulses())

	require.NoError(t, v.Detach())
	assert.False(t, v.ProgEnabled())
}

func TestVirtualAVR_IgnoresCommandsBeforeEnable(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR()
	require.NoError(t, v.Attach())
	rx := exchange(t, v, 0x30, 0x00, 0x00, 0x00)
	assert.Equal(t, byte(0xFF), rx[3])
}

func TestVirtualAVR_Reads(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR(
		WithSignature([3]byte{0x1E, 0x93, 0x0B}),
		WithFuses(0xE2, 0xDF, 0xFE),
		WithLock(0x3C),
		WithCalibration(0x77),
	)
	v.SetFlashWord(0x10, 0xBEEF)
	v.SetEEPROM(5, 0x42)
	enable(t, v)

	tests := []struct {
		name string
		cmd  []byte
		want byte
	}{
		{name: "signature 0", cmd: []byte{0x30, 0x00, 0x00, 0x00}, want: 0x1E},
		{name: "signature 2", cmd: []byte{0x30, 0x00, 0x02, 0x00}, want: 0x0B},
		{name: "fuse low", cmd: []byte{0x50, 0x00, 0x00, 0x00}, want: 0xE2},
		{name: "fuse high", cmd: []byte{0x58, 0x08, 0x00, 0x00}, want: 0xDF},
		{name: "fuse extended", cmd: []byte{0x50, 0x08, 0x00, 0x00}, want: 0xFE},
		{name: "lock", cmd: []byte{0x58, 0x00, 0x00, 0x00}, want: 0x3C},
		{name: "calibration", cmd: []byte{0x38, 0x00, 0x00, 0x00}, want: 0x77},
		{name: "flash low", cmd: []byte{0x20, 0x00, 0x10, 0x00}, want: 0xEF},
		{name: "flash high", cmd: []byte{0x28, 0x00, 0x10, 0x00}, want: 0xBE},
		{name: "eeprom", cmd: []byte{0xA0, 0x00, 0x05, 0x00}, want: 0x42},
	}

	for _, tt := range tests {
		rx := exchange(t, v, tt.cmd...)
		assert.Equal(t, tt.want, rx[3], tt.name)
		assert.Equal(t, tt.cmd[0], rx[1], "%s echo", tt.name)
	}
}

func TestVirtualAVR_EraseAndBusyPoll(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR(WithBusyPolls(2), WithLock(0x00))
	v.SetEEPROM(0, 0x11)
	enable(t, v)

	exchange(t, v, 0xAC, 0x80, 0x00, 0x00)
	assert.Equal(t, byte(0x01), exchange(t, v, 0xF0, 0, 0, 0)[3])
	assert.Equal(t, byte(0x01), exchange(t, v, 0xF0, 0, 0, 0)[3])
	assert.Equal(t, byte(0x00), exchange(t, v, 0xF0, 0, 0, 0)[3])
	assert.Equal(t, byte(0xFF), v.EEPROM(0))
	assert.Equal(t, byte(0xFF), v.Lock())
}

func TestVirtualAVR_Writes(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR()
	enable(t, v)

	exchange(t, v, 0xAC, 0xA0, 0x00, 0xE2)
	exchange(t, v, 0xAC, 0xA8, 0x00, 0xDE)
	exchange(t, v, 0xAC, 0xA4, 0x00, 0xFD)
	exchange(t, v, 0xAC, 0xE0, 0x00, 0x0C)
	exchange(t, v, 0xC0, 0x00, 0x07, 0x99)

	assert.Equal(t, [3]byte{0xE2, 0xDE, 0xFD}, v.Fuses())
	assert.Equal(t, byte(0x0C), v.Lock())
	assert.Equal(t, byte(0x99), v.EEPROM(7))
}

func TestVirtualAVR_MultiInstruction(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR()
	enable(t, v)
	rx := exchange(t, v, 0x30, 0x00, 0x00, 0x00, 0x30, 0x00, 0x01, 0x00, 0x99)
	assert.Equal(t, byte(0x1E), rx[3])
	assert.Equal(t, byte(0x95), rx[7])
	assert.Equal(t, byte(0xFF), rx[8])
	assert.Len(t, v.Exchanges(), 2)
}

func TestVirtualAVR_Hang(t *testing.T) {
	t.Parallel()

	v := NewVirtualAVR(WithHang())
	require.NoError(t, v.Attach())

	done := make(chan error, 1)
	require.NoError(t, v.StartExchange([]byte{0xAC, 0x53, 0, 0}, make([]byte, 4), func(err error) { done <- err }))
	select {
	case <-done:
		t.Fatal("hung target completed an exchange")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHostWire_RoundTrip(t *testing.T) {
	t.Parallel()

	w := NewHostWire(&frame.EAST)
	require.NoError(t, w.SendFrame(0, []byte{0x01, 0x02}))

	buf := make([]byte, 64)
	n, err := w.Read(buf)
	require.NoError(t, err)
	want, err := frame.Encode(&frame.EAST, 0, []byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, want, buf[:n])

	// Nothing pending: the read times out quietly.
	n, err = w.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	resp, err := frame.Encode(&frame.EAST, 0, []byte{0x81, 0x00})
	require.NoError(t, err)
	_, err = w.Write(resp[:3])
	require.NoError(t, err)
	_, err = w.Write(resp[3:])
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payloads, _, err := w.WaitResponses(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x81, 0x00}}, payloads)
	assert.Equal(t, resp, w.Raw())
}

func TestHostWire_Closed(t *testing.T) {
	t.Parallel()

	w := NewHostWire(&frame.EAST)
	require.NoError(t, w.Close())
	_, err := w.Read(make([]byte, 4))
	require.ErrorIs(t, err, ErrWireClosed)
	_, err = w.Write([]byte{1})
	require.ErrorIs(t, err, ErrWireClosed)
}

func TestJitteryWire_DeliversEverything(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config JitterConfig
	}{
		{name: "fragmented", config: JitterConfig{FragmentReads: true, Seed: 7}},
		{name: "usb boundaries", config: JitterConfig{USBBoundaryStress: true, Seed: 7}},
		{name: "both", config: JitterConfig{FragmentReads: true, USBBoundaryStress: true, FragmentMinBytes: 3, Seed: 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := NewHostWire(&frame.ICEMKII)
			data := make([]byte, 300)
			for i := range data {
				data[i] = byte(i)
			}
			w.Send(data)

			j := NewJitteryWire(w, tt.config)
			var got []byte
			buf := make([]byte, 128)
			pos := 0
			for len(got) < len(data) {
				n, err := j.Read(buf)
				require.NoError(t, err)
				if tt.config.USBBoundaryStress && n > 0 {
					assert.LessOrEqual(t, (pos%64)+n, 64, "read crossed a packet boundary")
				}
				pos += n
				got = append(got, buf[:n]...)
			}
			assert.Equal(t, data, got)
		})
	}
}
