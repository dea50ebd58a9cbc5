// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	sess, err := s.Create(ctx, "sess-1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.SessionID)
	assert.Equal(t, "key-1", sess.APIKey)
	assert.False(t, sess.Initialized)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "key-1", got.APIKey)
}

func TestMemoryStore_GetMissingReturnsNilNotError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	got, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_GetRefreshesLastAccessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	clock := time.Now()
	s.now = func() time.Time { return clock }

	_, err := s.Create(ctx, "sess-1", "key-1")
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, clock, got.LastAccessed)
}

func TestMemoryStore_UpdateMergesPatchAndBumpsLastAccessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	_, err := s.Create(ctx, "sess-1", "key-1")
	require.NoError(t, err)

	initialized := true
	version := "2025-11-25"
	got, err := s.Update(ctx, "sess-1", Patch{Initialized: &initialized, ProtocolVersion: &version})
	require.NoError(t, err)
	assert.True(t, got.Initialized)
	assert.Equal(t, "2025-11-25", got.ProtocolVersion)
}

func TestMemoryStore_UpdateUnknownSessionReturnsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	_, err := s.Update(ctx, "missing", Patch{})
	assert.Error(t, err)
}

func TestMemoryStore_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	_, err := s.Create(ctx, "sess-1", "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "sess-1"))
	require.NoError(t, s.Delete(ctx, "sess-1"))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_CreateEvictsOldestWhenPerAPIKeyCapReached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	clock := time.Now()
	s.now = func() time.Time { return clock }

	for i := 0; i < MaxSessionsPerAPIKey; i++ {
		_, err := s.Create(ctx, sessID(i), "key-1")
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}

	n, err := s.CountByAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, MaxSessionsPerAPIKey, n)

	// One more create should evict the very first (oldest LastAccessed).
	_, err = s.Create(ctx, "sess-overflow", "key-1")
	require.NoError(t, err)

	n, err = s.CountByAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, MaxSessionsPerAPIKey, n)

	got, err := s.Get(ctx, sessID(0))
	require.NoError(t, err)
	assert.Nil(t, got, "oldest session for the api key must have been evicted")
}

func TestMemoryStore_CreateEvictsOldestGlobalOnOverflow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	clock := time.Now()
	s.now = func() time.Time { return clock }

	// Fill to the global cap, each under a distinct api key to avoid
	// tripping the per-key cap first.
	for i := 0; i < MaxSessions; i++ {
		_, err := s.Create(ctx, sessID(i), apiKeyID(i))
		require.NoError(t, err)
		clock = clock.Add(time.Millisecond)
	}

	_, err := s.Create(ctx, "sess-overflow", "key-overflow")
	require.NoError(t, err)

	got, err := s.Get(ctx, sessID(0))
	require.NoError(t, err)
	assert.Nil(t, got, "globally oldest session must have been evicted")
}

func TestMemoryStore_SweepEvictsExpiredSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close() //nolint:errcheck

	clock := time.Now()
	s.now = func() time.Time { return clock }

	_, err := s.Create(ctx, "sess-1", "key-1")
	require.NoError(t, err)

	clock = clock.Add(TTL + time.Minute)
	s.sweepExpired()

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func sessID(i int) string {
	return "sess-" + strconv.Itoa(i)
}

func apiKeyID(i int) string {
	return "key-" + strconv.Itoa(i)
}
