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

package main

import (
	"fmt"
	"os"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
	"github.com/spf13/cobra"
)

// debugLockTimeout is the lock hold limit reported by -tags=deadlock builds
// running with --debug.
const debugLockTimeout = 30 * time.Second

type rootOptions struct {
	debug      bool
	sessionLog bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "avrprobe",
		Short: "AVR debug probe and I2C/SPI bridge daemon",
		Long: `avrprobe - A JTAGICE mkII compatible AVR probe with EAST I2C and SPI bridges.

Each channel is served on its own host link:
  Probe:      --probe-port /dev/ttyGS0  or  --ws-url ws://host/path
  I2C bridge: --i2c-port /dev/ttyGS1 [--i2c-bus 1]
  SPI bridge: --spi-port /dev/ttyGS2 [--spi-dev SPI0.1]

The probe programs targets over --isp-spi with --reset-pin driving RESET.

For WebSocket authentication, the password is read from the AVRPROBE_PASSWORD
environment variable, or prompted interactively if not set.`,
		Version:       "0.3.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.debug {
				avrprobe.SetDebugEnabled(true)
				syncutil.SetLockTimeout(debugLockTimeout)
			}
			if opts.sessionLog {
				path, err := avrprobe.InitSessionLog()
				if err != nil {
					return fmt.Errorf("failed to open session log: %w", err)
				}
				_, _ = fmt.Fprintf(os.Stderr, "Session log: %s\n", path)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug output")
	cmd.PersistentFlags().BoolVar(&opts.sessionLog, "session-log", false, "Write a session log file")

	cmd.AddCommand(newServeCmd(), newPortsCmd())
	return cmd
}
