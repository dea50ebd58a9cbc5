// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide structured logger used by every
// component. It wraps log/slog behind a small package-level API so call
// sites don't thread a *slog.Logger through every constructor.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault())
}

func newDefault() *slog.Logger {
	level := slog.LevelInfo
	if lv, ok := parseLevel(os.Getenv("LOG_LEVEL")); ok {
		level = lv
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if unstructuredLogs() {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// unstructuredLogs reports whether UNSTRUCTURED_LOGS requests plain-text
// logs instead of JSON. Any unparseable value defaults to true, matching a
// developer-friendly console by default.
func unstructuredLogs() bool {
	v := os.Getenv("UNSTRUCTURED_LOGS")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// SetDefault replaces the singleton logger. Intended for tests and for
// wiring a custom handler at process start.
func SetDefault(l *slog.Logger) {
	singleton.Store(l)
}

func current() *slog.Logger {
	return singleton.Load()
}

// Redact shortens a credential-like value to its first 8 characters plus an
// ellipsis, for safe inclusion in log lines. Values of 8 characters or
// fewer are fully masked.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "…"
}

func Debug(msg string, args ...any)  { current().Debug(msg, args...) }
func Info(msg string, args ...any)   { current().Info(msg, args...) }
func Warn(msg string, args ...any)   { current().Warn(msg, args...) }
func Error(msg string, args ...any)  { current().Error(msg, args...) }

func Debugf(format string, args ...any) { current().Debug(sprintf(format, args...)) }
func Infof(format string, args ...any)  { current().Info(sprintf(format, args...)) }
func Warnf(format string, args ...any)  { current().Warn(sprintf(format, args...)) }
func Errorf(format string, args ...any) { current().Error(sprintf(format, args...)) }

// Debugw/Infow/Warnw/Errorw log a message with structured key-value pairs,
// matching the convention call sites use throughout this module:
// logger.Infow("session created", "component", "sessionstore", "sid", id).
func Debugw(msg string, kv ...any) { current().Debug(msg, kv...) }
func Infow(msg string, kv ...any)  { current().Info(msg, kv...) }
func Warnw(msg string, kv ...any)  { current().Warn(msg, kv...) }
func Errorw(msg string, kv ...any) { current().Error(msg, kv...) }

// Ctx returns a logger call bound to ctx, so handlers can pick up any
// slog attrs threaded via context (none by default, but request-scoped
// wrappers may inject a request id later).
func Ctx(ctx context.Context) *slog.Logger {
	_ = ctx
	return current()
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
