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

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/adapter"
	"github.com/ZaparooProject/go-avrprobe/bridge"
	"github.com/ZaparooProject/go-avrprobe/internal/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

// pair starts a server that accepts one endpoint and dials it. The
// returned client is the host side.
func pair(t *testing.T, check func(*http.Request) bool) (*Endpoint, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *Endpoint, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil && !check(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ep, err := Accept(w, r, &websocket.Upgrader{})
		if err != nil {
			return
		}
		accepted <- ep
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	host, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = host.Close() })

	select {
	case ep := <-accepted:
		t.Cleanup(func() { _ = ep.Close() })
		return ep, host
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint not accepted")
		return nil, nil
	}
}

func TestEndpoint_ReadChunksLargeMessages(t *testing.T) {
	t.Parallel()

	ep, host := pair(t, nil)
	require.NoError(t, host.WriteMessage(websocket.TextMessage, []byte("ignored")))

	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte(i)
	}
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, msg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var sink avrprobe.SliceSink
	n, err := ep.ReadTo(ctx, &sink)
	require.NoError(t, err)
	assert.Equal(t, avrprobe.EndpointPacketSize, n)

	n, err = ep.ReadTo(ctx, &sink)
	require.NoError(t, err)
	assert.Equal(t, 36, n)
	assert.Equal(t, msg, sink.Data)
}

func TestEndpoint_WriteFrom(t *testing.T) {
	t.Parallel()

	ep, host := pair(t, nil)
	require.NoError(t, ep.WriteFrom(context.Background(), avrprobe.NewSliceSource([]byte{1, 2, 3}), 3))

	require.NoError(t, host.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := host.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{1, 2, 3}, data)

	err = ep.WriteFrom(context.Background(), avrprobe.NewSliceSource([]byte{1}), 4)
	require.Error(t, err)
	assert.True(t, avrprobe.IsFatal(err))
}

func TestEndpoint_HostDisconnect(t *testing.T) {
	t.Parallel()

	ep, host := pair(t, nil)
	require.NoError(t, host.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ep.ReadTo(ctx, &avrprobe.SliceSink{})
	require.ErrorIs(t, err, avrprobe.ErrTransportClosed)
	assert.True(t, avrprobe.IsFatal(err))
}

func TestEndpoint_Close(t *testing.T) {
	t.Parallel()

	ep, _ := pair(t, nil)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	err := ep.WriteFrom(context.Background(), avrprobe.NewSliceSource([]byte{1}), 1)
	require.ErrorIs(t, err, avrprobe.ErrTransportClosed)
}

func TestEndpoint_ReadToHonoursContext(t *testing.T) {
	t.Parallel()

	ep, _ := pair(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ep.ReadTo(ctx, &avrprobe.SliceSink{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDial(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "probe" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err == nil {
			_ = conn.WriteMessage(mt, data)
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, DialOptions{})
	require.ErrorContains(t, err, "HTTP 401")

	_, err = Dial(ctx, "http://example.invalid", DialOptions{})
	require.ErrorIs(t, err, avrprobe.ErrInvalidParameter)

	ep, err := Dial(ctx, url, DialOptions{Username: "probe", Password: "secret"})
	require.NoError(t, err)
	defer func() { _ = ep.Close() }()

	require.NoError(t, ep.WriteFrom(ctx, avrprobe.NewSliceSource([]byte{0xAB}), 1))
	var sink avrprobe.SliceSink
	_, err = ep.ReadTo(ctx, &sink)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB}, sink.Data)
}

// TestEndpoint_BridgeChannel serves an SPI bridge channel to a WebSocket
// host.
func TestEndpoint_BridgeChannel(t *testing.T) {
	t.Parallel()

	ep, host := pair(t, nil)
	a, err := adapter.New("spi", ep, &frame.EAST, bridge.NewSPI(loopbackConn{}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background()) }()

	req, err := frame.Encode(&frame.EAST, 0, []byte{bridge.SPITransfer, 0x12, 0x34})
	require.NoError(t, err)
	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, req))

	require.NoError(t, host.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := host.ReadMessage()
	require.NoError(t, err)

	payloads, _ := frame.NewDecoder(&frame.EAST, 256).Feed(data)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte{0x81, bridge.StatusOK, 0x12, 0x34}, payloads[0])
}

type loopbackConn struct{}

func (loopbackConn) Tx(w, r []byte) error {
	copy(r, w)
	return nil
}

func (loopbackConn) Duplex() conn.Duplex { return conn.Full }

func (loopbackConn) String() string { return "loopback" }

func (c loopbackConn) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		_ = c.Tx(pkt.W, pkt.R)
	}
	return nil
}
