// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcpbridge/rsbridge/internal/logger"
)

// RedisStore write-throughs to a remote KV namespace with a server-side
// TTL equal to each record's remaining lifetime, falling back to an
// in-process MemoryStore mirror on KV errors: read-your-writes within a
// process but not across replicas.
type RedisStore struct {
	*MemoryStore
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. prefix namespaces all keys (e.g.
// "rsbridge", giving "rsbridge:access:{token}") so multiple deployments can
// share a KV cluster.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		MemoryStore: NewMemoryStore(),
		client:      client,
		prefix:      prefix,
	}
}

func (rs *RedisStore) key(parts ...string) string {
	k := rs.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (rs *RedisStore) StoreRSMapping(ctx context.Context, rsAccess string, provider ProviderToken, rsRefresh string) (*RsRecord, error) {
	rec, err := rs.MemoryStore.StoreRSMapping(ctx, rsAccess, provider, rsRefresh)
	if err != nil {
		return rec, err
	}
	if werr := rs.writeThrough(ctx, rec); werr != nil {
		logger.Warnw("token store KV write-through failed, memory mirror retained", "component", "tokenstore", "error", werr.Error())
		return rec, werr
	}
	return rec, nil
}

func (rs *RedisStore) UpdateByRSRefresh(ctx context.Context, rsRefresh string, newProvider ProviderToken, newRSAccess string) (*RsRecord, error) {
	old, err := rs.MemoryStore.GetByRSRefresh(ctx, rsRefresh)
	if err != nil || old == nil {
		return nil, err
	}
	rec, err := rs.MemoryStore.UpdateByRSRefresh(ctx, rsRefresh, newProvider, newRSAccess)
	if err != nil || rec == nil {
		return rec, err
	}
	if newRSAccess != "" && newRSAccess != old.RSAccessToken {
		if derr := rs.client.Del(ctx, rs.key("access", old.RSAccessToken)).Err(); derr != nil {
			logger.Warnw("failed to delete stale KV access index", "component", "tokenstore", "error", derr.Error())
		}
	}
	if werr := rs.writeThrough(ctx, rec); werr != nil {
		logger.Warnw("token store KV write-through failed on refresh rotation, memory mirror retained", "component", "tokenstore", "error", werr.Error())
		return rec, werr
	}
	return rec, nil
}

func (rs *RedisStore) DeleteByRSAccess(ctx context.Context, rsAccess string) error {
	rec, _ := rs.MemoryStore.GetByRSAccess(ctx, rsAccess)
	if err := rs.MemoryStore.DeleteByRSAccess(ctx, rsAccess); err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	pipe := rs.client.Pipeline()
	pipe.Del(ctx, rs.key("access", rec.RSAccessToken))
	pipe.Del(ctx, rs.key("refresh", rec.RSRefreshToken))
	_, err := pipe.Exec(ctx)
	return err
}

func (rs *RedisStore) writeThrough(ctx context.Context, rec *RsRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record for KV write: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	pipe := rs.client.Pipeline()
	pipe.Set(ctx, rs.key("access", rec.RSAccessToken), raw, ttl)
	pipe.Set(ctx, rs.key("refresh", rec.RSRefreshToken), raw, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// GetByRSAccess prefers the memory mirror (read-your-writes) and falls
// back to the KV namespace, e.g. after a process restart.
func (rs *RedisStore) GetByRSAccess(ctx context.Context, rsAccess string) (*RsRecord, error) {
	if rec, err := rs.MemoryStore.GetByRSAccess(ctx, rsAccess); err == nil && rec != nil {
		return rec, nil
	}
	return rs.fetchAndMirror(ctx, rs.key("access", rsAccess))
}

func (rs *RedisStore) GetByRSRefresh(ctx context.Context, rsRefresh string) (*RsRecord, error) {
	if rec, err := rs.MemoryStore.GetByRSRefresh(ctx, rsRefresh); err == nil && rec != nil {
		return rec, nil
	}
	return rs.fetchAndMirror(ctx, rs.key("refresh", rsRefresh))
}

func (rs *RedisStore) fetchAndMirror(ctx context.Context, key string) (*RsRecord, error) {
	raw, err := rs.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("KV read failed: %w", err)
	}
	var rec RsRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KV record: %w", err)
	}
	rs.MemoryStore.restore([]*RsRecord{&rec}, time.Now())
	return &rec, nil
}

func (rs *RedisStore) Close() error {
	return rs.MemoryStore.Close()
}
