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

//nolint:paralleltest // Tests modify package-level session log state, cannot run in parallel
package avrprobe

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanupSessionLog ensures session log state is clean after tests.
func cleanupSessionLog(t *testing.T) {
	t.Helper()
	logs.mu.Lock()
	defer logs.mu.Unlock()
	if logs.file != nil {
		_ = logs.file.Close()
	}
	logs.file, logs.path, logs.session = nil, "", nil
}

func TestInitSessionLogIn_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { cleanupSessionLog(t) })

	path, err := InitSessionLogIn(dir)
	require.NoError(t, err)
	assert.Equal(t, path, GetSessionLogPath())

	_, err = os.Stat(path)
	require.NoError(t, err, "Log file should exist")

	matched, err := regexp.MatchString(`^avrprobe_\d{8}_\d{6}\.log$`, filepath.Base(path))
	require.NoError(t, err)
	assert.True(t, matched, "unexpected log file name: %s", path)
}

func TestSessionLog_HeaderDebugAndFooter(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { cleanupSessionLog(t) })

	path, err := InitSessionLogIn(dir)
	require.NoError(t, err)

	Debugf("hello %s", "target")
	require.NoError(t, CloseSessionLog())
	assert.Empty(t, GetSessionLogPath())

	content, err := os.ReadFile(path) //nolint:gosec // test reads its own temp file
	require.NoError(t, err)
	assert.Contains(t, string(content), "=== AVR Probe Session Log ===")
	assert.Contains(t, string(content), "DEBUG: hello target")
	assert.Contains(t, string(content), "=== Session ended ===")
}

func TestCloseSessionLog_NoOpWhenClosed(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })
	require.NoError(t, CloseSessionLog())
}

func TestInitSessionLogIn_BadDirectory(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	_, err := InitSessionLogIn(filepath.Join(t.TempDir(), "missing", "dir"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create session log")
}

func TestInitSessionLogIn_ReplacesOpenLog(t *testing.T) {
	t.Cleanup(func() { cleanupSessionLog(t) })

	first, err := InitSessionLogIn(t.TempDir())
	require.NoError(t, err)
	second, err := InitSessionLogIn(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, second, GetSessionLogPath())

	Debugf("only in the second log")
	require.NoError(t, CloseSessionLog())

	firstContent, err := os.ReadFile(first) //nolint:gosec // test reads its own temp file
	require.NoError(t, err)
	assert.NotContains(t, string(firstContent), "only in the second log")
}
