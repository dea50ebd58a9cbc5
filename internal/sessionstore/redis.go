// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mcpbridge/rsbridge/internal/logger"
)

// RedisStore write-throughs sessions to a remote KV namespace, keeping the
// per-api-key index as a JSON array under {prefix}:apikey:{key}.
type RedisStore struct {
	*MemoryStore
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{MemoryStore: NewMemoryStore(), client: client, prefix: prefix}
}

func (rs *RedisStore) sessionKey(id string) string  { return rs.prefix + ":session:" + id }
func (rs *RedisStore) apiKeyIndexKey(k string) string { return rs.prefix + ":apikey:" + k }

func (rs *RedisStore) Create(ctx context.Context, sessionID, apiKey string) (*Session, error) {
	count, err := rs.CountByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if count >= MaxSessionsPerAPIKey {
		if err := rs.DeleteOldestByAPIKey(ctx, apiKey); err != nil {
			return nil, err
		}
	}

	sess, err := rs.MemoryStore.Create(ctx, sessionID, apiKey)
	if err != nil {
		return sess, err
	}
	if werr := rs.writeThrough(ctx, sess); werr != nil {
		logger.Warnw("session store KV write-through failed, memory mirror retained", "component", "sessionstore", "error", werr.Error())
	}
	if werr := rs.addToAPIKeyIndex(ctx, apiKey, sessionID); werr != nil {
		logger.Warnw("session store KV api-key index update failed", "component", "sessionstore", "error", werr.Error())
	}
	return sess, nil
}

// addToAPIKeyIndex appends sessionID to the JSON array stored under
// {prefix}:apikey:{key}, deduplicating if already present.
func (rs *RedisStore) addToAPIKeyIndex(ctx context.Context, apiKey, sessionID string) error {
	ids, err := rs.readAPIKeyIndex(ctx, apiKey)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == sessionID {
			return nil
		}
	}
	ids = append(ids, sessionID)
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal api-key index: %w", err)
	}
	return rs.client.Set(ctx, rs.apiKeyIndexKey(apiKey), raw, TTL).Err()
}

func (rs *RedisStore) readAPIKeyIndex(ctx context.Context, apiKey string) ([]string, error) {
	raw, err := rs.client.Get(ctx, rs.apiKeyIndexKey(apiKey)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("KV read failed: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal api-key index: %w", err)
	}
	return ids, nil
}

func (rs *RedisStore) Update(ctx context.Context, sessionID string, patch Patch) (*Session, error) {
	sess, err := rs.MemoryStore.Update(ctx, sessionID, patch)
	if err != nil {
		return sess, err
	}
	if werr := rs.writeThrough(ctx, sess); werr != nil {
		logger.Warnw("session store KV write-through failed, memory mirror retained", "component", "sessionstore", "error", werr.Error())
	}
	return sess, nil
}

func (rs *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sess, err := rs.MemoryStore.Get(ctx, sessionID); err == nil && sess != nil {
		return sess, nil
	}
	raw, err := rs.client.Get(ctx, rs.sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("KV read failed: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KV session: %w", err)
	}
	return &sess, nil
}

func (rs *RedisStore) Delete(ctx context.Context, sessionID string) error {
	sess, _ := rs.MemoryStore.Get(ctx, sessionID)
	if err := rs.MemoryStore.Delete(ctx, sessionID); err != nil {
		return err
	}
	if sess != nil {
		if werr := rs.removeFromAPIKeyIndex(ctx, sess.APIKey, sessionID); werr != nil {
			logger.Warnw("session store KV api-key index update failed", "component", "sessionstore", "error", werr.Error())
		}
	}
	return rs.client.Del(ctx, rs.sessionKey(sessionID)).Err()
}

func (rs *RedisStore) removeFromAPIKeyIndex(ctx context.Context, apiKey, sessionID string) error {
	ids, err := rs.readAPIKeyIndex(ctx, apiKey)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return rs.client.Del(ctx, rs.apiKeyIndexKey(apiKey)).Err()
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("failed to marshal api-key index: %w", err)
	}
	return rs.client.Set(ctx, rs.apiKeyIndexKey(apiKey), raw, TTL).Err()
}

// GetByAPIKey resolves the KV-backed index so session enumeration spans
// every replica, not just this process's memory mirror, then fetches each
// member via Get (which itself falls back to the KV namespace).
func (rs *RedisStore) GetByAPIKey(ctx context.Context, apiKey string) ([]*Session, error) {
	ids, err := rs.readAPIKeyIndex(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := rs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (rs *RedisStore) CountByAPIKey(ctx context.Context, apiKey string) (int, error) {
	sessions, err := rs.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// DeleteOldestByAPIKey evicts the oldest-by-LastAccessed session owned by
// apiKey across the full KV-backed set.
func (rs *RedisStore) DeleteOldestByAPIKey(ctx context.Context, apiKey string) error {
	sessions, err := rs.GetByAPIKey(ctx, apiKey)
	if err != nil || len(sessions) == 0 {
		return err
	}
	oldest := sessions[0]
	for _, sess := range sessions[1:] {
		if sess.LastAccessed.Before(oldest.LastAccessed) {
			oldest = sess
		}
	}
	return rs.Delete(ctx, oldest.SessionID)
}

func (rs *RedisStore) writeThrough(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return rs.client.Set(ctx, rs.sessionKey(sess.SessionID), raw, TTL).Err()
}

func (rs *RedisStore) Close() error {
	return rs.MemoryStore.Close()
}
