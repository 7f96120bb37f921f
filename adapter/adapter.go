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

// Package adapter joins a host endpoint, a frame codec and a block queue into
// one request/response channel.
//
// The receive goroutine plays the interrupt role: it pushes endpoint bytes
// into the input codec and, when a frame completes, publishes the slot and
// binds a fresh one. It never blocks on the queue; when the queue is full the
// newest frame is dropped and the host retransmits. A single worker goroutine
// takes requests in order, runs the processor and streams the response back,
// so responses leave in request order.
package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	avrprobe "github.com/ZaparooProject/go-avrprobe"
	"github.com/ZaparooProject/go-avrprobe/blockqueue"
	"github.com/ZaparooProject/go-avrprobe/internal/frame"
	"github.com/ZaparooProject/go-avrprobe/internal/rtos"
)

const evTxComplete rtos.EventBits = 1 << 0

// seqPrefix is the slot header carrying the request sequence number for
// layouts that have one.
const seqPrefix = 2

// Processor turns one request payload into a response. It writes the
// response into resp and returns its length; zero means no response.
type Processor interface {
	Process(ctx context.Context, req, resp []byte) int
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, req, resp []byte) int

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, req, resp []byte) int {
	return f(ctx, req, resp)
}

// Metrics tracks channel activity.
type Metrics struct {
	FramesReceived  int64
	FramesDropped   int64
	FramesCorrupted int64
	ResponsesSent   int64
	TxTimeouts      int64
	ProcessLatency  time.Duration
}

// Adapter is one host channel.
type Adapter struct {
	ep     avrprobe.Endpoint
	proc   Processor
	config *Config
	queue  *blockqueue.Queue
	events *rtos.EventGroup
	failed chan struct{}
	cancel context.CancelFunc
	err    error

	// receive side
	in       *frame.Codec
	slot     []byte
	prefix   int
	rejected int

	// worker side
	out  *frame.Codec
	resp []byte

	name           string
	wg             sync.WaitGroup
	failOnce       sync.Once
	framesReceived atomic.Int64
	framesDropped  atomic.Int64
	corrupted      atomic.Int64
	responsesSent  atomic.Int64
	txTimeouts     atomic.Int64
	latency        atomic.Int64
	running        atomic.Bool
}

// New creates a channel named name speaking layout over ep. A nil config
// selects DefaultConfig.
func New(name string, ep avrprobe.Endpoint, layout *frame.Layout, proc Processor, config *Config) (*Adapter, error) {
	config = config.withDefaults()

	prefix := 0
	if layout.HasSequence() {
		prefix = seqPrefix
	}
	if config.SlotSize <= prefix {
		return nil, fmt.Errorf("%s: slot size %d: %w", name, config.SlotSize, avrprobe.ErrInvalidSize)
	}

	queue, err := blockqueue.New(config.Slots, config.SlotSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	slot, err := queue.Allocate()
	if err != nil {
		return nil, fmt.Errorf("%s: first slot: %w", name, err)
	}

	a := &Adapter{
		name:   name,
		ep:     ep,
		proc:   proc,
		config: config,
		queue:  queue,
		events: rtos.NewEventGroup(),
		failed: make(chan struct{}),
		in:     frame.New(layout),
		out:    frame.New(layout),
		slot:   slot,
		prefix: prefix,
		resp:   make([]byte, config.SlotSize),
	}
	if err := a.in.SetBuffer(a.slot[prefix:], 0); err != nil {
		return nil, err
	}
	return a, nil
}

// Name returns the channel name.
func (a *Adapter) Name() string { return a.name }

// Queue exposes the request ring.
func (a *Adapter) Queue() *blockqueue.Queue { return a.queue }

// SinkByte feeds one host byte into the receive path. Only the receive
// goroutine may call it.
func (a *Adapter) SinkByte(b byte) {
	st := a.in.PutByte(b)
	if n := a.in.Rejected(); n != a.rejected {
		a.corrupted.Add(int64(n - a.rejected))
		a.rejected = n
	}
	if st != frame.StatusComplete {
		return
	}
	a.framesReceived.Add(1)

	if a.queue.CountOfFree() >= 2 {
		a.publish()
	} else {
		a.framesDropped.Add(1)
		avrprobe.Warnf("%s: request queue full, dropping frame seq=%d", a.name, a.in.Sequence())
	}

	if err := a.in.SetBuffer(a.slot[a.prefix:], 0); err != nil {
		avrprobe.Warnf("%s: rebind input codec: %v", a.name, err)
	}
}

// publish enqueues the completed frame and moves the codec to a new slot.
func (a *Adapter) publish() {
	if a.prefix > 0 {
		binary.LittleEndian.PutUint16(a.slot, a.in.Sequence())
	}
	if err := a.queue.Enqueue(a.prefix + a.in.Size()); err != nil {
		avrprobe.Warnf("%s: enqueue: %v", a.name, err)
		return
	}
	slot, err := a.queue.Allocate()
	if err != nil {
		// Unreachable with two free slots checked beforehand.
		avrprobe.Warnf("%s: allocate after enqueue: %v", a.name, err)
		return
	}
	a.slot = slot
}

// Receive performs one endpoint read into the receive path.
func (a *Adapter) Receive(ctx context.Context) (int, error) {
	n, err := a.ep.ReadTo(ctx, a)
	if err != nil {
		return n, fmt.Errorf("%s receive: %w", a.name, err)
	}
	return n, nil
}

// ServeOne handles at most one request. It returns avrprobe.ErrTimeout when
// no request arrived within the dequeue timeout.
func (a *Adapter) ServeOne(ctx context.Context) error {
	req, err := a.queue.Dequeue(ctx, a.config.DequeueTimeout)
	if err != nil {
		return err
	}

	var seq uint16
	body := req
	if a.prefix > 0 {
		seq = binary.LittleEndian.Uint16(req)
		body = req[a.prefix:]
	}

	start := time.Now()
	n := a.proc.Process(ctx, body, a.resp)
	a.latency.Store(int64(time.Since(start)))

	sendErr := a.send(ctx, seq, n)

	if err := a.queue.Release(); err != nil {
		return errors.Join(sendErr, fmt.Errorf("%s release: %w", a.name, err))
	}
	return sendErr
}

// send streams resp[:n] through the output codec and waits for the final
// byte to leave.
func (a *Adapter) send(ctx context.Context, seq uint16, n int) error {
	if n <= 0 {
		return nil
	}
	if n > len(a.resp) {
		return fmt.Errorf("%s: response of %d bytes: %w", a.name, n, avrprobe.ErrDataTooLarge)
	}

	a.out.SetSequence(seq)
	if err := a.out.SetBuffer(a.resp, n); err != nil {
		return fmt.Errorf("%s: bind response: %w", a.name, err)
	}
	a.events.Clear(evTxComplete)

	src := &codecSource{codec: a.out, events: a.events}
	if err := a.ep.WriteFrom(ctx, src, a.out.PacketSize()); err != nil {
		return fmt.Errorf("%s send: %w", a.name, err)
	}

	if _, err := a.events.Wait(ctx, evTxComplete, rtos.WaitAny, true, a.config.TxTimeout); err != nil {
		a.txTimeouts.Add(1)
		avrprobe.Warnf("%s: response seq=%d not drained: %v", a.name, seq, err)
		return nil
	}
	a.responsesSent.Add(1)
	return nil
}

// codecSource drains an output codec and raises the transmit-complete event
// on the frame's last byte.
type codecSource struct {
	codec  *frame.Codec
	events *rtos.EventGroup
}

func (s *codecSource) SourceByte() (byte, bool) {
	b, st := s.codec.GetByte()
	switch st {
	case frame.StatusComplete:
		s.events.Set(evTxComplete)
		return b, true
	case frame.StatusInProgress:
		return b, true
	default:
		return 0, false
	}
}

// Start launches the receive and worker goroutines. Calling Start on a
// running adapter does nothing.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go a.receiveLoop(runCtx)
	go a.workLoop(runCtx)
	avrprobe.Debugf("%s: started on %s", a.name, a.ep.Name())
	return nil
}

func (a *Adapter) receiveLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := a.Receive(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if avrprobe.IsFatal(err) {
			a.fail(err)
			return
		}
		avrprobe.Debugf("%s: read error: %v", a.name, err)
		select {
		case <-time.After(a.config.ReadBackoff):
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) workLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		err := a.ServeOne(ctx)
		switch {
		case err == nil, errors.Is(err, avrprobe.ErrTimeout):
		case ctx.Err() != nil:
			return
		case avrprobe.IsFatal(err):
			a.fail(err)
			return
		default:
			avrprobe.Debugf("%s: %v", a.name, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// fail records the first fatal error and stops the adapter's goroutines.
func (a *Adapter) fail(err error) {
	a.failOnce.Do(func() {
		avrprobe.Warnf("%s: stopping: %v", a.name, err)
		a.err = err
		close(a.failed)
		if a.cancel != nil {
			a.cancel()
		}
	})
}

// Done is closed when the channel stops because of an endpoint failure.
func (a *Adapter) Done() <-chan struct{} { return a.failed }

// Err returns the failure that closed Done.
func (a *Adapter) Err() error {
	select {
	case <-a.failed:
		return a.err
	default:
		return nil
	}
}

// Stop cancels both goroutines and waits for them to exit or for ctx.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.running.Store(false)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the channel counters.
func (a *Adapter) Metrics() Metrics {
	return Metrics{
		FramesReceived:  a.framesReceived.Load(),
		FramesDropped:   a.framesDropped.Load(),
		FramesCorrupted: a.corrupted.Load(),
		ResponsesSent:   a.responsesSent.Load(),
		TxTimeouts:      a.txTimeouts.Load(),
		ProcessLatency:  time.Duration(a.latency.Load()),
	}
}

var _ avrprobe.ByteSink = (*Adapter)(nil)
