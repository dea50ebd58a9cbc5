// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withCapturedLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := singleton.Load()
	t.Cleanup(func() { singleton.Store(prev) })

	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	singleton.Store(l)
	return &buf
}

func TestLogLevelsWriteThroughSingleton(t *testing.T) {
	t.Parallel()
	buf := withCapturedLogger(t)

	Debugw("debug message", "component", "test")
	Infow("info message", "component", "test")
	Warnw("warn message", "component", "test")
	Errorw("error message", "component", "test")

	out := buf.String()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
	assert.Contains(t, out, "component=test")
}

func TestRedact(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", Redact(""))
	assert.Equal(t, "***", Redact("short"))
	assert.Equal(t, "abcdefgh…", Redact("abcdefghijklmnop"))
}

func TestUnstructuredLogsDefaultsTrueOnInvalidValue(t *testing.T) {
	t.Setenv("UNSTRUCTURED_LOGS", "not-a-bool")
	assert.True(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "false")
	assert.False(t, unstructuredLogs())

	t.Setenv("UNSTRUCTURED_LOGS", "")
	assert.True(t, unstructuredLogs())
}
