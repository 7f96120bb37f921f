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
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-avrprobe/internal/syncutil"
)

// debugEnabled gates console debug output. The session log gets every line
// regardless.
var debugEnabled atomic.Bool

// logSink is where every debug and warning line goes besides the console.
type logSink struct {
	mu      syncutil.Mutex
	file    *os.File
	path    string
	session io.Writer
	warn    io.Writer
}

var logs = &logSink{warn: os.Stderr}

func init() {
	if os.Getenv("AVRPROBE_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		debugEnabled.Store(true)
	}
}

// write appends one timestamped line to the session log, if one is open.
// Caller holds l.mu.
func (l *logSink) write(level, message string) {
	if l.session == nil {
		return
	}
	_, _ = fmt.Fprintf(l.session, "%s %s: %s\n", time.Now().Format("15:04:05.000"), level, message)
}

func debug(message string) {
	logs.mu.Lock()
	logs.write("DEBUG", message)
	logs.mu.Unlock()

	if debugEnabled.Load() {
		_, _ = fmt.Printf("DEBUG: %s\n", message)
	}
}

// Debugf logs a formatted debug line. It reaches the console only with
// debug enabled.
func Debugf(format string, args ...any) {
	debug(fmt.Sprintf(format, args...))
}

// Debugln logs its operands separated by spaces, like fmt.Println.
func Debugln(args ...any) {
	debug(strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

// Warnf reports a recoverable problem such as a dropped frame or a transmit
// timeout. Warnings always reach stderr and the session log.
func Warnf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	logs.mu.Lock()
	defer logs.mu.Unlock()
	logs.write("WARN", message)
	_, _ = fmt.Fprintf(logs.warn, "WARN: %s\n", message)
}

// SetDebugEnabled turns console debug output on or off.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
}

// IsDebugEnabled reports whether console debug output is on.
func IsDebugEnabled() bool {
	return debugEnabled.Load()
}
