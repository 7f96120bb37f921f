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
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

func newPortsCmd() *cobra.Command {
	var usbOnly bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports that can carry a channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := enumerator.GetDetailedPortsList()
			if err != nil {
				return fmt.Errorf("failed to list serial ports: %w", err)
			}
			printPorts(cmd.OutOrStdout(), ports, usbOnly)
			return nil
		},
	}
	cmd.Flags().BoolVar(&usbOnly, "usb", false, "Only list USB ports")
	return cmd
}

func printPorts(w io.Writer, ports []*enumerator.PortDetails, usbOnly bool) {
	shown := 0
	for _, p := range ports {
		if usbOnly && !p.IsUSB {
			continue
		}
		_, _ = fmt.Fprintln(w, describePort(p))
		shown++
	}
	if shown == 0 {
		_, _ = fmt.Fprintln(w, "No serial ports found")
	}
}

func describePort(p *enumerator.PortDetails) string {
	if !p.IsUSB {
		return p.Name
	}
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "%s  USB %s:%s", p.Name, strings.ToUpper(p.VID), strings.ToUpper(p.PID))
	if p.SerialNumber != "" {
		_, _ = fmt.Fprintf(&b, " serial=%s", p.SerialNumber)
	}
	if p.Product != "" {
		_, _ = fmt.Fprintf(&b, " (%s)", p.Product)
	}
	return b.String()
}
