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

import (
	"fmt"
	"io"
	"runtime"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "transport timeout", err: ErrTransportTimeout, want: true},
		{name: "transport read", err: ErrTransportRead, want: true},
		{name: "transport write", err: ErrTransportWrite, want: true},
		{name: "bounded wait timeout", err: ErrTimeout, want: true},
		{name: "frame corrupted", err: ErrFrameCorrupted, want: true},
		{name: "wrapped transient", err: fmt.Errorf("open: %w", ErrTransportRead), want: true},
		{name: "sync failed", err: ErrSyncFailed, want: false},
		{name: "queue full", err: ErrQueueFull, want: false},
		{name: "double allocate", err: ErrAlreadyAllocated, want: false},
		{name: "invalid parameter", err: ErrInvalidParameter, want: false},
		{name: "retryable transport error", err: NewTransportReadError("read", "ttyGS0", nil), want: true},
		{name: "closed transport error", err: NewTransportClosedError("read", "ttyGS0"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsMisuse(t *testing.T) {
	t.Parallel()

	for _, err := range []error{
		ErrAlreadyAllocated, ErrNotAllocated, ErrAlreadyDequeued, ErrNotDequeued, ErrInvalidSize,
	} {
		assert.True(t, IsMisuse(err), "%v", err)
		assert.True(t, IsMisuse(fmt.Errorf("wrapped: %w", err)), "%v", err)
	}
	for _, err := range []error{nil, ErrQueueFull, ErrQueueEmpty, ErrTimeout, ErrSyncFailed} {
		assert.False(t, IsMisuse(err), "%v", err)
	}
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(ErrBusyTimeout))
	assert.True(t, IsTimeout(NewTimeoutError("exchange", "spidev0.0")))
	assert.False(t, IsTimeout(ErrSyncFailed))
	assert.False(t, IsTimeout(nil))
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "closed", err: ErrTransportClosed, want: true},
		{name: "device not found", err: ErrDeviceNotFound, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "closed pipe", err: fmt.Errorf("write: %w", io.ErrClosedPipe), want: true},
		{name: "eio", err: syscall.EIO, want: true},
		{name: "enodev wrapped", err: fmt.Errorf("read: %w", syscall.ENODEV), want: true},
		{name: "permanent transport error", err: NewDataTooLargeError("write", "ws"), want: true},
		{name: "transient transport error", err: NewTransportWriteError("write", "ws"), want: false},
		{name: "timeout", err: ErrTimeout, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestDeviceGone_PlatformCodes(t *testing.T) {
	t.Parallel()

	onWindows := runtime.GOOS == "windows"
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "eio", err: syscall.EIO, want: true},
		{name: "enxio wrapped", err: fmt.Errorf("write: %w", syscall.ENXIO), want: true},
		{name: "gen failure", err: winGenFailure, want: onWindows},
		{name: "no such device", err: winNoSuchDevice, want: onWindows},
		{name: "unrelated errno", err: syscall.EINTR, want: false},
		{name: "not an errno", err: io.ErrUnexpectedEOF, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, deviceGone(tt.err))
		})
	}
}

func TestTransportError_ErrorAndUnwrap(t *testing.T) {
	t.Parallel()

	withPort := NewTransportReadError("ReadTo", "/dev/ttyGS0", nil)
	assert.Equal(t, "ReadTo /dev/ttyGS0: transport read failed", withPort.Error())
	require.ErrorIs(t, withPort, ErrTransportRead)
	assert.True(t, withPort.Retryable)

	withCause := NewTransportReadError("ReadTo", "/dev/ttyGS0", syscall.EINTR)
	require.ErrorIs(t, withCause, ErrTransportRead)
	require.ErrorIs(t, withCause, syscall.EINTR)
	assert.True(t, IsRetryable(withCause))

	noPort := NewTransportError("WriteFrom", "", ErrTransportWrite, ErrorTypePermanent)
	assert.Equal(t, "WriteFrom: transport write failed", noPort.Error())
	assert.False(t, noPort.Retryable)
}
