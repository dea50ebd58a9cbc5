// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore implements the Session Store (C2): per-session
// state keyed by session id, with per-credential session caps and TTL
// eviction.
package sessionstore

import (
	"context"
	"time"
)

// TTL is the session lifetime, refreshed on every access.
const TTL = 24 * time.Hour

// MaxSessionsPerAPIKey bounds how many live sessions one credential
// fingerprint may own at once.
const MaxSessionsPerAPIKey = 5

// MaxSessions is the global session cap.
const MaxSessions = 10_000

// Session is the per-session record.
type Session struct {
	SessionID       string
	APIKey          string
	CreatedAt       time.Time
	LastAccessed    time.Time
	Initialized     bool
	ProtocolVersion string
}

// Patch describes a partial update to a Session; zero-value fields are
// left unchanged except where noted.
type Patch struct {
	Initialized     *bool
	ProtocolVersion *string
}

// Store is the Session Store contract.
type Store interface {
	// Create enforces the per-api-key cap by pre-deleting the oldest
	// session for that key before inserting the new one.
	Create(ctx context.Context, sessionID, apiKey string) (*Session, error)

	// Get touches LastAccessed and returns the session, or nil if absent
	// or TTL-expired.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Update merges patch fields into the session and always bumps
	// LastAccessed.
	Update(ctx context.Context, sessionID string, patch Patch) (*Session, error)

	Delete(ctx context.Context, sessionID string) error

	GetByAPIKey(ctx context.Context, apiKey string) ([]*Session, error)
	CountByAPIKey(ctx context.Context, apiKey string) (int, error)
	DeleteOldestByAPIKey(ctx context.Context, apiKey string) error

	Close() error
}
