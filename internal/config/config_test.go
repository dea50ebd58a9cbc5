// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()
	assert.Equal(t, "0.0.0.0", c.Server.Host)
	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, StrategyNone, c.Auth.Strategy)
	assert.True(t, c.Auth.RequireRS)
	assert.False(t, c.Auth.AllowDirectBearer)
	assert.Equal(t, 10.0, c.Throttle.RPSLimit)
	assert.Equal(t, 5, c.Throttle.ConcurrencyLimit)
	assert.Equal(t, StorageMemory, c.Storage.StorageType())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AUTH_STRATEGY", "oauth")
	t.Setenv("CUSTOM_HEADERS", "X-Foo:bar, X-Baz:qux")
	t.Setenv("RS_TOKENS_FILE", "/tmp/rs.json")
	t.Setenv("RPS_LIMIT", "20")

	c := Load()
	assert.Equal(t, StrategyOAuth, c.Auth.Strategy)
	assert.Equal(t, "bar", c.Auth.CustomHeaders["x-foo"])
	assert.Equal(t, "qux", c.Auth.CustomHeaders["x-baz"])
	assert.Equal(t, StorageFile, c.Storage.StorageType())
	assert.Equal(t, 20.0, c.Throttle.RPSLimit)
}

func TestProviderConfigured(t *testing.T) {
	p := Provider{}
	assert.False(t, p.Configured())

	p = Provider{ClientID: "id", ClientSecret: "secret", AccountsURL: "https://accounts.example.com"}
	assert.True(t, p.Configured())
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	c := &Config{Auth: Auth{Strategy: "bogus"}}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_STRATEGY")
}
