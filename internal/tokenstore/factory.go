// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"github.com/redis/go-redis/v9"

	"github.com/mcpbridge/rsbridge/internal/config"
)

// NewFromConfig builds the Store backend named by cfg, following the
// teacher's Config.CreateStorage() convention (pkg/transport/session).
func NewFromConfig(cfg config.Storage, redisClient *redis.Client) (Store, error) {
	switch {
	case redisClient != nil:
		return NewRedisStore(redisClient, "rsbridge:tokens"), nil
	case cfg.RSTokensFile != "":
		return NewFileStore(cfg.RSTokensFile, cfg.RSTokensEncKey)
	default:
		return NewMemoryStore(), nil
	}
}
