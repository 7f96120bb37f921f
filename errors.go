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
	"errors"
	"fmt"
	"io"
	"runtime"
	"syscall"
)

// Slot protocol violations. They mean the caller broke the allocate/enqueue
// or dequeue/release pairing and are never retried.
var (
	ErrAlreadyAllocated = errors.New("slot already allocated")
	ErrNotAllocated     = errors.New("no slot allocated")
	ErrAlreadyDequeued  = errors.New("slot already dequeued")
	ErrNotDequeued      = errors.New("no slot dequeued")
	ErrInvalidSize      = errors.New("invalid slot size")
	ErrArenaTooSmall    = errors.New("arena holds fewer than two slots")
)

// Queue occupancy.
var (
	ErrQueueFull  = errors.New("queue full")
	ErrQueueEmpty = errors.New("queue empty")
)

// ErrTimeout is returned when a bounded wait expires: a dequeue with no
// work, a target exchange with no completion.
var ErrTimeout = errors.New("timeout")

// Host link failures.
var (
	ErrTransportTimeout = errors.New("transport timeout")
	ErrTransportWrite   = errors.New("transport write failed")
	ErrTransportRead    = errors.New("transport read failed")
	ErrTransportClosed  = errors.New("transport is closed")
	ErrFrameCorrupted   = errors.New("frame corrupted")
	ErrDataTooLarge     = errors.New("data too large")
)

// Target and bus outcomes.
var (
	ErrSyncFailed        = errors.New("target did not synchronise")
	ErrBusyTimeout       = errors.New("target stayed busy")
	ErrTargetNotAttached = errors.New("target not attached")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrInvalidParameter  = errors.New("invalid parameter")
)

var (
	misuseErrors = []error{
		ErrAlreadyAllocated, ErrNotAllocated, ErrAlreadyDequeued, ErrNotDequeued, ErrInvalidSize,
	}
	retryableErrors = []error{
		ErrTransportTimeout, ErrTransportRead, ErrTransportWrite, ErrTimeout, ErrFrameCorrupted,
	}
	timeoutErrors = []error{ErrTimeout, ErrTransportTimeout, ErrBusyTimeout}
	fatalErrors   = []error{ErrTransportClosed, ErrDeviceNotFound, io.EOF, io.ErrClosedPipe}
)

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorType tells retry logic how to treat a TransportError.
type ErrorType int

const (
	// ErrorTypeTransient may succeed if the operation is repeated.
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent means the link or device is gone.
	ErrorTypePermanent
	// ErrorTypeTimeout is a transient error caused by an expired wait.
	ErrorTypeTimeout
)

// TransportError records which operation on which port failed.
type TransportError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err for op on port. Transient and timeout errors
// are marked retryable.
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Err:       err,
		Op:        op,
		Port:      port,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// NewTimeoutError reports an expired wait on port.
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewTransportWriteError reports a short or failed write.
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite, ErrorTypeTransient)
}

// NewTransportReadError reports a failed read. cause may be nil.
func NewTransportReadError(op, port string, cause error) *TransportError {
	err := ErrTransportRead
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrTransportRead, cause)
	}
	return NewTransportError(op, port, err, ErrorTypeTransient)
}

// NewTransportClosedError reports use of a closed endpoint.
func NewTransportClosedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportClosed, ErrorTypePermanent)
}

// NewDataTooLargeError reports a payload that can never fit.
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}

// IsMisuse reports whether err is a slot protocol violation.
func IsMisuse(err error) bool {
	return err != nil && isAny(err, misuseErrors)
}

// IsTimeout reports whether err is an expired bounded wait.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) && te.Type == ErrorTypeTimeout {
		return true
	}
	return isAny(err, timeoutErrors)
}

// IsRetryable reports whether repeating the failed operation may succeed.
// A TransportError decides for itself; misuse never retries.
func IsRetryable(err error) bool {
	if err == nil || IsMisuse(err) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return isAny(err, retryableErrors)
}

// IsFatal reports whether the link behind err is gone and its channel should
// stop. It differs from IsRetryable, which only concerns one operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}
	return deviceGone(err) || isAny(err, fatalErrors)
}

// Windows reports a vanished USB serial device with these codes. syscall
// does not name them on other platforms.
const (
	winAccessDenied syscall.Errno = 5
	winGenFailure   syscall.Errno = 31
	winNoSuchDevice syscall.Errno = 433
)

// deviceGone matches the errno a read or write returns once a gadget port
// or USB adapter disappears mid-transfer.
func deviceGone(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	//nolint:exhaustive // only device-removal codes matter here
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	default:
	}
	if runtime.GOOS == "windows" {
		//nolint:exhaustive // only device-removal codes matter here
		switch errno {
		case winAccessDenied, winGenFailure, winNoSuchDevice:
			return true
		default:
		}
	}
	return false
}
