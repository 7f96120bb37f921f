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
	"io"
	"math/rand/v2"
	"time"
)

// usbPacket is the full-speed bulk endpoint size.
const usbPacket = 64

// JitterConfig configures a JitteryWire.
type JitterConfig struct {
	MaxLatency        time.Duration
	FragmentMinBytes  int
	Seed              uint64
	FragmentReads     bool
	USBBoundaryStress bool
}

// DefaultJitterConfig fragments reads without adding latency.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryWire wraps the device side of a link and delivers host bytes in
// unpredictable pieces, the way a USB CDC bridge does. Frames regularly
// straddle reads and 64-byte packet boundaries. Writes pass straight
// through.
type JitteryWire struct {
	backend  io.ReadWriter
	rng      *rand.Rand
	buffered []byte
	config   JitterConfig
	position int
}

// NewJitteryWire wraps backend.
func NewJitteryWire(backend io.ReadWriter, config JitterConfig) *JitteryWire {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // test data
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}
	return &JitteryWire{
		backend:  backend,
		config:   config,
		rng:      rand.New(rand.NewPCG(seed, seed^0xA5A5A5A5)), //nolint:gosec // test data
		buffered: make([]byte, 0, 4*usbPacket),
	}
}

// Write passes data to the backend.
func (j *JitteryWire) Write(data []byte) (int, error) {
	return j.backend.Write(data) //nolint:wrapcheck // pass-through
}

// Read returns some of the pending host bytes.
func (j *JitteryWire) Read(buf []byte) (int, error) {
	if j.config.MaxLatency > 0 {
		time.Sleep(time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)))
	}

	if len(j.buffered) == 0 {
		tmp := make([]byte, 4*usbPacket)
		n, err := j.backend.Read(tmp)
		if err != nil || n == 0 {
			return 0, err //nolint:wrapcheck // pass-through
		}
		j.buffered = append(j.buffered, tmp[:n]...)
	}

	n := min(len(j.buffered), len(buf))

	if j.config.USBBoundaryStress {
		if untilBoundary := usbPacket - j.position%usbPacket; untilBoundary < n {
			n = untilBoundary
		}
	}
	if j.config.FragmentReads && n > j.config.FragmentMinBytes {
		n = j.config.FragmentMinBytes + j.rng.IntN(n-j.config.FragmentMinBytes+1)
	}

	copy(buf, j.buffered[:n])
	j.buffered = j.buffered[n:]
	j.position += n
	return n, nil
}

var _ io.ReadWriter = (*JitteryWire)(nil)
