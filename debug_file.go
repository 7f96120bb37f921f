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
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// InitSessionLog opens a session log in the working directory and returns
// its path for display.
func InitSessionLog() (string, error) {
	return InitSessionLogIn(".")
}

// InitSessionLogIn opens avrprobe_<timestamp>.log inside dir. A session log
// that is already open is closed first.
func InitSessionLogIn(dir string) (string, error) {
	name := "avrprobe_" + time.Now().Format("20060102_150405") + ".log"
	if dir != "" && dir != "." {
		name = filepath.Join(dir, name)
	}

	file, err := os.Create(name) //nolint:gosec // name is built here, not taken from input
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}
	writeSessionHeader(file)

	logs.mu.Lock()
	previous := logs.file
	logs.file, logs.path, logs.session = file, name, file
	logs.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return name, nil
}

// CloseSessionLog writes the footer and closes the session log. It does
// nothing when none is open.
func CloseSessionLog() error {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	if logs.file == nil {
		return nil
	}

	_, _ = fmt.Fprintf(logs.session, "\n%s === Session ended ===\n", time.Now().Format("15:04:05.000"))
	err := logs.file.Close()
	logs.file, logs.path, logs.session = nil, "", nil
	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// GetSessionLogPath returns the open session log's path, or "".
func GetSessionLogPath() string {
	logs.mu.Lock()
	defer logs.mu.Unlock()
	return logs.path
}

func writeSessionHeader(w io.Writer) {
	_, _ = fmt.Fprint(w, "=== AVR Probe Session Log ===\n")
	_, _ = fmt.Fprintf(w, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(w, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	_, _ = fmt.Fprintf(w, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(w, "=============================\n\n")
}
