// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authresolver implements the Auth Resolver (C4): classifies an
// incoming request's credentials by configured strategy and produces the
// outbound header set tool handlers should use.
package authresolver

import (
	"context"
	"net/http"
	"strings"

	"github.com/mcpbridge/rsbridge/internal/config"
	"github.com/mcpbridge/rsbridge/internal/refresher"
	"github.com/mcpbridge/rsbridge/internal/tokenstore"
)

// alwaysForwarded is the header set forwarded regardless of configuration:
// the configured accept-list is unioned with these.
var alwaysForwarded = []string{"authorization", "x-api-key", "x-auth-token"}

// ResolvedAuth is the outcome of Resolve.
type ResolvedAuth struct {
	Strategy        config.AuthStrategy
	AuthHeaders     map[string]string
	ResolvedHeaders map[string]string
	ProviderToken   string
	Provider        *tokenstore.ProviderToken
	RSToken         string
}

// Resolver classifies incoming credentials and resolves them to an
// outbound auth context.
type Resolver struct {
	cfg        config.Auth
	provider   *refresher.ProviderConfig
	store      tokenstore.Store
	refresher  *refresher.Refresher
	acceptList map[string]struct{}
}

// New constructs a Resolver. providerCfg may be nil if oauth strategy is
// not in use; refresher may be nil for the same reason.
func New(cfg config.Auth, acceptHeaders []string, store tokenstore.Store, ref *refresher.Refresher, providerCfg *refresher.ProviderConfig) *Resolver {
	accept := map[string]struct{}{}
	for _, h := range acceptHeaders {
		accept[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &Resolver{cfg: cfg, provider: providerCfg, store: store, refresher: ref, acceptList: accept}
}

// Resolve classifies headers per the configured strategy.
func (r *Resolver) Resolve(ctx context.Context, headers http.Header) (ResolvedAuth, error) {
	authHeaders := r.forwardedSubset(headers)

	switch r.cfg.Strategy {
	case config.StrategyNone:
		return ResolvedAuth{Strategy: config.StrategyNone, AuthHeaders: authHeaders, ResolvedHeaders: cloneHeaders(authHeaders)}, nil

	case config.StrategyAPIKey:
		resolved := cloneHeaders(authHeaders)
		if r.cfg.APIKey != "" {
			resolved[strings.ToLower(r.cfg.APIKeyHeader)] = r.cfg.APIKey
		}
		return ResolvedAuth{Strategy: config.StrategyAPIKey, AuthHeaders: authHeaders, ResolvedHeaders: resolved, ProviderToken: r.cfg.APIKey}, nil

	case config.StrategyBearer:
		resolved := cloneHeaders(authHeaders)
		if r.cfg.BearerToken != "" {
			resolved["authorization"] = "Bearer " + r.cfg.BearerToken
		}
		return ResolvedAuth{Strategy: config.StrategyBearer, AuthHeaders: authHeaders, ResolvedHeaders: resolved, ProviderToken: r.cfg.BearerToken}, nil

	case config.StrategyCustom:
		resolved := cloneHeaders(authHeaders)
		for k, v := range r.cfg.CustomHeaders {
			resolved[strings.ToLower(k)] = v
		}
		return ResolvedAuth{Strategy: config.StrategyCustom, AuthHeaders: authHeaders, ResolvedHeaders: resolved}, nil

	case config.StrategyOAuth:
		return r.resolveOAuth(ctx, headers, authHeaders)

	default:
		return ResolvedAuth{Strategy: r.cfg.Strategy, AuthHeaders: authHeaders, ResolvedHeaders: cloneHeaders(authHeaders)}, nil
	}
}

func (r *Resolver) resolveOAuth(ctx context.Context, headers http.Header, authHeaders map[string]string) (ResolvedAuth, error) {
	resolved := cloneHeaders(authHeaders)
	rsToken := bearerToken(headers)

	if rsToken == "" {
		return ResolvedAuth{Strategy: config.StrategyOAuth, AuthHeaders: authHeaders, ResolvedHeaders: resolved}, nil
	}

	rec, err := r.store.GetByRSAccess(ctx, rsToken)
	if err != nil {
		return ResolvedAuth{}, err
	}

	if rec == nil {
		if r.cfg.RequireRS && !r.cfg.AllowDirectBearer {
			delete(resolved, "authorization")
			return ResolvedAuth{Strategy: config.StrategyOAuth, AuthHeaders: authHeaders, ResolvedHeaders: resolved, RSToken: rsToken}, nil
		}
		return ResolvedAuth{Strategy: config.StrategyOAuth, AuthHeaders: authHeaders, ResolvedHeaders: resolved, RSToken: rsToken}, nil
	}

	providerToken := rec.Provider.AccessToken
	if r.refresher != nil {
		result, err := r.refresher.Ensure(ctx, rsToken, r.provider)
		if err == nil && result.AccessToken != "" {
			providerToken = result.AccessToken
		}
	}

	if providerToken != "" {
		resolved["authorization"] = "Bearer " + providerToken
	}

	return ResolvedAuth{
		Strategy:        config.StrategyOAuth,
		AuthHeaders:     authHeaders,
		ResolvedHeaders: resolved,
		ProviderToken:   providerToken,
		Provider:        &rec.Provider,
		RSToken:         rsToken,
	}, nil
}

// forwardedSubset returns the lowercased, allowlisted header subset from
// the incoming request.
func (r *Resolver) forwardedSubset(headers http.Header) map[string]string {
	out := map[string]string{}
	for name, values := range headers {
		lower := strings.ToLower(name)
		if !r.isForwarded(lower) || len(values) == 0 {
			continue
		}
		out[lower] = values[0]
	}
	return out
}

func (r *Resolver) isForwarded(lowerName string) bool {
	for _, h := range alwaysForwarded {
		if h == lowerName {
			return true
		}
	}
	_, ok := r.acceptList[lowerName]
	return ok
}

func bearerToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
