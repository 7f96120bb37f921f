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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/adapter"
	"github.com/ZaparooProject/go-avrprobe/bridge"
	"github.com/ZaparooProject/go-avrprobe/ice"
	"github.com/ZaparooProject/go-avrprobe/internal/frame"
	"github.com/ZaparooProject/go-avrprobe/isp"
	"github.com/ZaparooProject/go-avrprobe/transport/i2c"
	"github.com/ZaparooProject/go-avrprobe/transport/spi"
	"github.com/ZaparooProject/go-avrprobe/transport/uart"
	"github.com/ZaparooProject/go-avrprobe/transport/ws"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"periph.io/x/conn/v3/physic"
	periphspi "periph.io/x/conn/v3/spi"
)

const (
	passwordEnv     = "AVRPROBE_PASSWORD"
	shutdownTimeout = 2 * time.Second
)

type serveConfig struct {
	probePort     string
	baudRate      int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	ispSPI    string
	resetPin  string
	ispKHz    int
	vtargetMV uint16

	i2cPort string
	i2cBus  string
	i2cKHz  int

	spiPort string
	spiDev  string
	spiKHz  int

	slots    int
	slotSize int
}

func newServeCmd() *cobra.Command {
	cfg := &serveConfig{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the probe and bridge channels until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	// Probe host link
	f.StringVar(&cfg.probePort, "probe-port", "", "Serial port carrying the probe channel")
	f.IntVarP(&cfg.baudRate, "baud", "b", uart.DefaultBaudRate, "Baud rate (serial only)")
	f.StringVarP(&cfg.wsURL, "ws-url", "u", "", "WebSocket URL carrying the probe channel (ws:// or wss://)")
	f.StringVar(&cfg.wsUsername, "username", "", "Username for HTTP Basic auth")
	f.BoolVar(&cfg.wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Target programming interface
	f.StringVar(&cfg.ispSPI, "isp-spi", "", "SPI port wired to the target's programming interface")
	f.StringVar(&cfg.resetPin, "reset-pin", "", "GPIO driving the target's RESET line")
	f.IntVar(&cfg.ispKHz, "isp-khz", int(spi.DefaultFrequency/physic.KiloHertz), "ISP clock in kHz")
	f.Uint16Var(&cfg.vtargetMV, "vtarget", 5000, "Target voltage reported to the host, in mV")

	// Bridges
	f.StringVar(&cfg.i2cPort, "i2c-port", "", "Serial port carrying the I2C bridge channel")
	f.StringVar(&cfg.i2cBus, "i2c-bus", "", "I2C bus served by the bridge (first bus if empty)")
	f.IntVar(&cfg.i2cKHz, "i2c-khz", int(i2c.DefaultSpeed/physic.KiloHertz), "Initial I2C clock in kHz")
	f.StringVar(&cfg.spiPort, "spi-port", "", "Serial port carrying the SPI bridge channel")
	f.StringVar(&cfg.spiDev, "spi-dev", "", "SPI port served by the bridge (first port if empty)")
	f.IntVar(&cfg.spiKHz, "spi-khz", 1000, "SPI bridge clock in kHz")

	// Pipeline
	f.IntVar(&cfg.slots, "slots", avrprobe.DefaultSlots, "Request slots per channel")
	f.IntVar(&cfg.slotSize, "slot-size", avrprobe.DefaultSlotSize, "Request slot size in bytes")

	return cmd
}

func (c *serveConfig) hasProbe() bool {
	return c.probePort != "" || c.wsURL != ""
}

func (c *serveConfig) validate() error {
	if c.probePort != "" && c.wsURL != "" {
		return fmt.Errorf("--probe-port and --ws-url are mutually exclusive: %w", avrprobe.ErrInvalidParameter)
	}
	if !c.hasProbe() && c.i2cPort == "" && c.spiPort == "" {
		return fmt.Errorf("nothing to serve, set --probe-port, --ws-url, --i2c-port or --spi-port: %w",
			avrprobe.ErrInvalidParameter)
	}
	if (c.ispSPI == "") != (c.resetPin == "") {
		return fmt.Errorf("--isp-spi and --reset-pin must be given together: %w", avrprobe.ErrInvalidParameter)
	}
	if c.ispSPI != "" && !c.hasProbe() {
		return fmt.Errorf("--isp-spi needs a probe channel: %w", avrprobe.ErrInvalidParameter)
	}
	for name, khz := range map[string]int{"--isp-khz": c.ispKHz, "--i2c-khz": c.i2cKHz, "--spi-khz": c.spiKHz} {
		if khz <= 0 {
			return fmt.Errorf("%s must be positive: %w", name, avrprobe.ErrInvalidParameter)
		}
	}
	if c.slots < 3 {
		return fmt.Errorf("--slots must be at least 3: %w", avrprobe.ErrInvalidParameter)
	}
	if c.slotSize < avrprobe.EndpointPacketSize {
		return fmt.Errorf("--slot-size must be at least %d: %w", avrprobe.EndpointPacketSize, avrprobe.ErrInvalidParameter)
	}
	return nil
}

func (c *serveConfig) pipeline() *adapter.Config {
	pc := adapter.DefaultConfig()
	pc.Slots = c.slots
	pc.SlotSize = c.slotSize
	return pc
}

// server owns everything opened for one serve run.
type server struct {
	closers  []io.Closer
	channels []*adapter.Adapter
}

func (s *server) track(c io.Closer) {
	s.closers = append(s.closers, c)
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			avrprobe.Debugf("close: %v", err)
		}
	}
	s.closers = nil
}

// stop halts every channel within shutdownTimeout and logs its counters.
func (s *server) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, ch := range s.channels {
		if err := ch.Stop(ctx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to stop %s: %v\n", ch.Name(), err)
		}
		m := ch.Metrics()
		avrprobe.Debugf("%s: %d frames, %d responses, %d dropped, %d corrupted, %d tx timeouts", ch.Name(),
			m.FramesReceived, m.ResponsesSent, m.FramesDropped, m.FramesCorrupted, m.TxTimeouts)
	}
}

func runServe(ctx context.Context, cfg *serveConfig) error {
	s := &server{}
	defer s.close()

	if err := s.build(ctx, cfg); err != nil {
		return err
	}
	defer s.stop()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	failed := make(chan error, len(s.channels))
	for _, ch := range s.channels {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", ch.Name(), err)
		}
		_, _ = fmt.Printf("Serving %s\n", ch.Name())
		go func(ch *adapter.Adapter) {
			select {
			case <-ch.Done():
				failed <- fmt.Errorf("%s: %w", ch.Name(), ch.Err())
			case <-watchCtx.Done():
			}
		}(ch)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return err
	}
}

func (s *server) build(ctx context.Context, cfg *serveConfig) error {
	if cfg.hasProbe() {
		if err := s.addProbe(ctx, cfg); err != nil {
			return err
		}
	}
	if cfg.i2cPort != "" {
		if err := s.addI2CBridge(ctx, cfg); err != nil {
			return err
		}
	}
	if cfg.spiPort != "" {
		if err := s.addSPIBridge(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (s *server) addProbe(ctx context.Context, cfg *serveConfig) error {
	ep, err := openProbeEndpoint(ctx, cfg)
	if err != nil {
		return err
	}
	s.track(ep)

	vtarget := cfg.vtargetMV
	opts := []ice.Option{ice.WithTargetVoltage(func() uint16 { return vtarget })}
	if cfg.ispSPI != "" {
		var port *spi.Port
		err := openWithRetry(ctx, "open ISP port", cfg.ispSPI, func() error {
			var openErr error
			port, openErr = spi.New(cfg.ispSPI, cfg.resetPin,
				spi.WithFrequency(physic.Frequency(cfg.ispKHz)*physic.KiloHertz))
			return openErr
		})
		if err != nil {
			return err
		}
		s.track(port)
		opts = append(opts, ice.WithEngine(isp.New(port)))
	}

	ch, err := adapter.New("probe", ep, &frame.ICEMKII, ice.NewProcessor(opts...), cfg.pipeline())
	if err != nil {
		return fmt.Errorf("failed to create probe channel: %w", err)
	}
	s.channels = append(s.channels, ch)
	return nil
}

func (s *server) addI2CBridge(ctx context.Context, cfg *serveConfig) error {
	ep, err := openSerialEndpoint(ctx, cfg.i2cPort, cfg.baudRate)
	if err != nil {
		return err
	}
	s.track(ep)

	var bus *i2c.Bus
	err = openWithRetry(ctx, "open I2C bus", cfg.i2cBus, func() error {
		var openErr error
		bus, openErr = i2c.Open(cfg.i2cBus, physic.Frequency(cfg.i2cKHz)*physic.KiloHertz)
		return openErr
	})
	if err != nil {
		return err
	}
	s.track(bus)

	ch, err := adapter.New("i2c-bridge", ep, &frame.EAST, bridge.NewI2C(bus), cfg.pipeline())
	if err != nil {
		return fmt.Errorf("failed to create I2C bridge channel: %w", err)
	}
	s.channels = append(s.channels, ch)
	return nil
}

func (s *server) addSPIBridge(ctx context.Context, cfg *serveConfig) error {
	ep, err := openSerialEndpoint(ctx, cfg.spiPort, cfg.baudRate)
	if err != nil {
		return err
	}
	s.track(ep)

	port, conn, err := openSPIBus(ctx, cfg.spiDev, physic.Frequency(cfg.spiKHz)*physic.KiloHertz, spi.OpenConn)
	if err != nil {
		return err
	}
	s.track(port)

	ch, err := adapter.New("spi-bridge", ep, &frame.EAST, bridge.NewSPI(conn), cfg.pipeline())
	if err != nil {
		return fmt.Errorf("failed to create SPI bridge channel: %w", err)
	}
	s.channels = append(s.channels, ch)
	return nil
}

// spiOpener opens an SPI device for the bridge.
type spiOpener func(dev string, freq physic.Frequency) (periphspi.PortCloser, periphspi.Conn, error)

func openSPIBus(
	ctx context.Context, dev string, freq physic.Frequency, open spiOpener,
) (periphspi.PortCloser, periphspi.Conn, error) {
	var (
		port periphspi.PortCloser
		conn periphspi.Conn
	)
	err := openWithRetry(ctx, "open SPI device", dev, func() error {
		var openErr error
		port, conn, openErr = open(dev, freq)
		return openErr
	})
	if err != nil {
		return nil, nil, err
	}
	return port, conn, nil
}

func openProbeEndpoint(ctx context.Context, cfg *serveConfig) (avrprobe.Endpoint, error) {
	if cfg.wsURL == "" {
		return openSerialEndpoint(ctx, cfg.probePort, cfg.baudRate)
	}

	password := ""
	if cfg.wsUsername != "" {
		var err error
		password, err = getPassword()
		if err != nil {
			return nil, err
		}
	}
	var ep *ws.Endpoint
	err := openWithRetry(ctx, "dial probe tunnel", cfg.wsURL, func() error {
		var dialErr error
		ep, dialErr = ws.Dial(ctx, cfg.wsURL, ws.DialOptions{
			Username:      cfg.wsUsername,
			Password:      password,
			SkipSSLVerify: cfg.wsNoSSLVerify,
		})
		return dialErr
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func openSerialEndpoint(ctx context.Context, portName string, baud int) (*uart.Endpoint, error) {
	var ep *uart.Endpoint
	err := openWithRetry(ctx, "open host port", portName, func() error {
		var openErr error
		ep, openErr = uart.New(portName, uart.WithBaudRate(baud))
		return openErr
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// openWithRetry retries open while the device may still be appearing.
// Parameter errors are not retried.
func openWithRetry(ctx context.Context, op, name string, open func() error) error {
	return avrprobe.RetryWithConfig(ctx, avrprobe.ConnectionRetryConfig(), op, func() error {
		err := open()
		if err == nil || errors.Is(err, avrprobe.ErrInvalidParameter) {
			return err
		}
		return avrprobe.NewTransportError(op, name, err, avrprobe.ErrorTypeTransient)
	})
}

// getPassword reads the tunnel password from the environment or prompts
// for it on the terminal.
func getPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	_, _ = fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// stdin is not a terminal
		line, readErr := bufio.NewReader(os.Stdin).ReadString('\n')
		if readErr != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", readErr)
		}
		_, _ = fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(line), nil
	}
	_, _ = fmt.Fprintln(os.Stderr)
	return string(pw), nil
}
