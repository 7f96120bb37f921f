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

package adapter

import (
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
)

// Config holds per-channel pipeline options.
type Config struct {
	// SlotSize is the size of each request slot. Frames whose payload does
	// not fit are discarded by the codec.
	SlotSize int
	// Slots is the number of slots in the request ring. Receiving keeps one
	// slot bound to the codec, so Slots-2 requests can wait for the worker.
	Slots int
	// DequeueTimeout bounds each worker wait for a request. A timeout only
	// means no work arrived.
	DequeueTimeout time.Duration
	// TxTimeout bounds the wait for the endpoint to drain a response.
	TxTimeout time.Duration
	// ReadBackoff is the pause after a retryable endpoint read error.
	ReadBackoff time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() *Config {
	return &Config{
		SlotSize:       avrprobe.DefaultSlotSize,
		Slots:          avrprobe.DefaultSlots,
		DequeueTimeout: avrprobe.DefaultDequeueTimeout,
		TxTimeout:      avrprobe.DefaultTxTimeout,
		ReadBackoff:    10 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.SlotSize <= 0 {
		out.SlotSize = d.SlotSize
	}
	if out.Slots <= 0 {
		out.Slots = d.Slots
	}
	if out.DequeueTimeout == 0 {
		out.DequeueTimeout = d.DequeueTimeout
	}
	if out.TxTimeout <= 0 {
		out.TxTimeout = d.TxTimeout
	}
	if out.ReadBackoff <= 0 {
		out.ReadBackoff = d.ReadBackoff
	}
	return &out
}
