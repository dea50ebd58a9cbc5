// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authresolver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbridge/rsbridge/internal/config"
	"github.com/mcpbridge/rsbridge/internal/refresher"
	"github.com/mcpbridge/rsbridge/internal/tokenstore"
)

func TestResolver_NoneStrategyPassesThroughAllowlistedHeaders(t *testing.T) {
	t.Parallel()
	r := New(config.Auth{Strategy: config.StrategyNone}, []string{"x-custom"}, nil, nil, nil)

	headers := http.Header{}
	headers.Set("X-Custom", "value")
	headers.Set("X-Ignored", "nope")

	got, err := r.Resolve(context.Background(), headers)
	require.NoError(t, err)
	assert.Equal(t, "value", got.ResolvedHeaders["x-custom"])
	_, present := got.ResolvedHeaders["x-ignored"]
	assert.False(t, present)
}

func TestResolver_APIKeyStrategySetsConfiguredHeader(t *testing.T) {
	t.Parallel()
	r := New(config.Auth{Strategy: config.StrategyAPIKey, APIKey: "secret-key", APIKeyHeader: "X-Api-Key"}, nil, nil, nil, nil)

	got, err := r.Resolve(context.Background(), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "secret-key", got.ResolvedHeaders["x-api-key"])
	assert.Equal(t, "secret-key", got.ProviderToken)
}

func TestResolver_BearerStrategyInjectsAuthorizationHeader(t *testing.T) {
	t.Parallel()
	r := New(config.Auth{Strategy: config.StrategyBearer, BearerToken: "static-token"}, nil, nil, nil, nil)

	got, err := r.Resolve(context.Background(), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer static-token", got.ResolvedHeaders["authorization"])
}

func TestResolver_CustomStrategyMergesConfiguredHeaders(t *testing.T) {
	t.Parallel()
	r := New(config.Auth{Strategy: config.StrategyCustom, CustomHeaders: map[string]string{"x-tenant": "acme"}}, nil, nil, nil, nil)

	got, err := r.Resolve(context.Background(), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "acme", got.ResolvedHeaders["x-tenant"])
}

func TestResolver_OAuthStrategyStripsAuthorizationWhenRSUnresolvedAndRequired(t *testing.T) {
	t.Parallel()
	store := tokenstore.NewMemoryStore()
	defer store.Close() //nolint:errcheck

	r := New(config.Auth{Strategy: config.StrategyOAuth, RequireRS: true, AllowDirectBearer: false}, nil, store, nil, nil)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer unknown-rs-token")

	got, err := r.Resolve(context.Background(), headers)
	require.NoError(t, err)
	_, present := got.ResolvedHeaders["authorization"]
	assert.False(t, present, "unresolved RS token under AUTH_REQUIRE_RS must strip Authorization")
}

func TestResolver_OAuthStrategyPassesThroughWhenDirectBearerAllowed(t *testing.T) {
	t.Parallel()
	store := tokenstore.NewMemoryStore()
	defer store.Close() //nolint:errcheck

	r := New(config.Auth{Strategy: config.StrategyOAuth, RequireRS: true, AllowDirectBearer: true}, nil, store, nil, nil)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer unknown-rs-token")

	got, err := r.Resolve(context.Background(), headers)
	require.NoError(t, err)
	assert.Equal(t, "Bearer unknown-rs-token", got.ResolvedHeaders["authorization"])
}

func TestResolver_OAuthStrategyRewritesAuthorizationToUpstreamToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := tokenstore.NewMemoryStore()
	defer store.Close() //nolint:errcheck

	future := time.Now().Add(time.Hour)
	_, err := store.StoreRSMapping(ctx, "rs-access-1", tokenstore.ProviderToken{AccessToken: "upstream-token", ExpiresAt: &future}, "rs-refresh-1")
	require.NoError(t, err)

	ref := refresher.New(store, 100, 10, 5)
	r := New(config.Auth{Strategy: config.StrategyOAuth, RequireRS: true}, nil, store, ref, nil)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer rs-access-1")

	got, err := r.Resolve(ctx, headers)
	require.NoError(t, err)
	assert.Equal(t, "Bearer upstream-token", got.ResolvedHeaders["authorization"])
	assert.Equal(t, "rs-access-1", got.RSToken)
	require.NotNil(t, got.Provider)
	assert.Equal(t, "upstream-token", got.Provider.AccessToken)
}
