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

package avrprobe

import "time"

// Connection retry constants control how host ports and target buses are opened.
const (
	// DefaultConnectionRetries is the number of attempts to open a port.
	DefaultConnectionRetries = 5
	// ConnectionInitialBackoff is the initial delay between attempts.
	ConnectionInitialBackoff = 100 * time.Millisecond
	// ConnectionMaxBackoff is the maximum delay between attempts.
	ConnectionMaxBackoff = 1 * time.Second
	// ConnectionBackoffMultiplier is the exponential backoff multiplier.
	ConnectionBackoffMultiplier = 2.0
	// ConnectionJitter is the random jitter factor (0.0-1.0).
	ConnectionJitter = 0.1
	// ConnectionRetryTimeout is the overall timeout for all attempts.
	ConnectionRetryTimeout = 10 * time.Second
)

// Target exchange constants bound every wait on the programming interface.
const (
	// ExchangeTimeout bounds one SPI exchange with the target. The probe
	// firmware this emulates waited 100 RTOS ticks of 1 ms.
	ExchangeTimeout = 100 * time.Millisecond
	// ClockPulseWidth is the half period of the extra clock pulse inserted
	// between failed programming-enable attempts.
	ClockPulseWidth = 50 * time.Microsecond
	// BusyPollInterval is the spacing of RDY/BSY polls during chip erase.
	BusyPollInterval = 1 * time.Millisecond
)

// Channel constants size the per-channel message pipeline.
const (
	// DefaultSlots is the number of slots carved per channel (one unusable).
	DefaultSlots = 5
	// DefaultSlotSize fits the largest ICE frame body the probe accepts.
	DefaultSlotSize = 512
	// DefaultDequeueTimeout is how long a worker waits before re-checking
	// for shutdown. A timeout here means "no work".
	DefaultDequeueTimeout = 250 * time.Millisecond
	// DefaultTxTimeout bounds the wait for the transmit-complete event.
	DefaultTxTimeout = 500 * time.Millisecond
	// EndpointPacketSize mirrors the USB full-speed bulk packet size used to
	// chunk endpoint transfers.
	EndpointPacketSize = 64
)
