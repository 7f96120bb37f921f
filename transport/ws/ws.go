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

// Package ws provides the host Endpoint over a WebSocket. Each binary
// message carries a run of host bytes; text messages are ignored. The probe
// either dials a relay with Dial or accepts host connections with Accept.
package ws

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	closeGrace       = time.Second
	inboxDepth       = 16
)

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// DialOptions configure Dial.
type DialOptions struct {
	Username      string
	Password      string
	SkipSSLVerify bool
}

// Endpoint implements avrprobe.Endpoint over a WebSocket connection.
type Endpoint struct {
	conn    *websocket.Conn
	inbox   chan []byte
	done    chan struct{}
	readErr error
	pending []byte
	name    string
	writeMu syncutil.Mutex
	errMu   syncutil.Mutex
	closeMu syncutil.Mutex
	closed  bool
}

// Dial connects to a ws:// or wss:// URL, with HTTP Basic auth when a
// username and password are given.
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*Endpoint, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://): %w",
			u.Scheme, avrprobe.ErrInvalidParameter)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: opts.SkipSSLVerify, //nolint:gosec // opt-in for self-signed relays
		}
	}

	headers := http.Header{}
	if opts.Username != "" && opts.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	avrprobe.Debugf("ws: connected to %s", u.Host)
	return newEndpoint(conn, u.Host), nil
}

// Accept upgrades an incoming HTTP request to a host endpoint.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) (*Endpoint, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket upgrade failed: %w", err)
	}
	avrprobe.Debugf("ws: accepted %s", r.RemoteAddr)
	return newEndpoint(conn, r.RemoteAddr), nil
}

func newEndpoint(conn *websocket.Conn, name string) *Endpoint {
	e := &Endpoint{
		conn:  conn,
		name:  name,
		inbox: make(chan []byte, inboxDepth),
		done:  make(chan struct{}),
	}
	go e.pump()
	return e
}

// pump reads messages until the connection fails. gorilla allows one
// concurrent reader, so all reads happen here.
func (e *Endpoint) pump() {
	defer close(e.inbox)
	for {
		messageType, data, err := e.conn.ReadMessage()
		if err != nil {
			e.errMu.Lock()
			e.readErr = err
			e.errMu.Unlock()
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case e.inbox <- data:
		case <-e.done:
			return
		}
	}
}

// ReadTo implements avrprobe.Endpoint. Large messages are handed over in
// packets of at most EndpointPacketSize bytes.
func (e *Endpoint) ReadTo(ctx context.Context, sink avrprobe.ByteSink) (int, error) {
	if len(e.pending) == 0 {
		select {
		case data, ok := <-e.inbox:
			if !ok {
				return 0, e.closedError()
			}
			e.pending = data
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	n := min(len(e.pending), avrprobe.EndpointPacketSize)
	for _, b := range e.pending[:n] {
		sink.SinkByte(b)
	}
	e.pending = e.pending[n:]
	return n, nil
}

func (e *Endpoint) closedError() error {
	e.errMu.Lock()
	err := e.readErr
	e.errMu.Unlock()
	if err == nil {
		err = ErrConnectionClosed
	}
	// a dropped WebSocket does not come back; the host reconnects
	return avrprobe.NewTransportError("read", e.name,
		fmt.Errorf("%w: %w", avrprobe.ErrTransportClosed, err), avrprobe.ErrorTypePermanent)
}

// WriteFrom implements avrprobe.Endpoint. The size bytes go out as one
// binary message.
func (e *Endpoint) WriteFrom(ctx context.Context, src avrprobe.ByteSource, size int) error {
	msg := make([]byte, size)
	if n := avrprobe.FillPacket(src, msg); n != size {
		return avrprobe.NewTransportError("write", e.name,
			fmt.Errorf("source exhausted after %d of %d bytes", n, size), avrprobe.ErrorTypePermanent)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.isClosed() {
		return avrprobe.NewTransportClosedError("write", e.name)
	}
	deadline, _ := ctx.Deadline()
	if err := e.conn.SetWriteDeadline(deadline); err != nil {
		return avrprobe.NewTransportError("write", e.name, err, avrprobe.ErrorTypePermanent)
	}
	if err := e.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return avrprobe.NewTransportError("write", e.name, err, avrprobe.ErrorTypePermanent)
	}
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}

// Close sends a close frame and releases the connection.
func (e *Endpoint) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.closeMu.Unlock()

	e.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	e.writeMu.Unlock()

	if err := e.conn.Close(); err != nil {
		return fmt.Errorf("websocket close failed: %w", err)
	}
	return nil
}

// Name returns the remote address.
func (e *Endpoint) Name() string {
	return e.name
}

var _ avrprobe.Endpoint = (*Endpoint)(nil)
