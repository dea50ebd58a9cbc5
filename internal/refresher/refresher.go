// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package refresher implements the Refresher (C5): on-demand renewal of an
// RS-token's upstream provider access token.
package refresher

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/mcpbridge/rsbridge/internal/logger"
	"github.com/mcpbridge/rsbridge/internal/tokenstore"
)

// expirySkew is how far ahead of the real expiry a token is treated as due
// for refresh.
const expirySkew = 60 * time.Second

// dedupWindow is the per-process cooldown during which a repeat refresh
// request for the same RS token is served from cache.
const dedupWindow = 30 * time.Second

// maxDedupEntries bounds the recently-refreshed map; a sweep removes
// stale entries once the cap would otherwise be exceeded.
const maxDedupEntries = 1000

const defaultUpstreamTimeout = 30 * time.Second

// ProviderConfig is the upstream client configuration passed per-call,
// since different RS records may belong to different provider registrations.
type ProviderConfig struct {
	ClientID          string
	ClientSecret      string
	AccountsURL       string
	TokenEndpointPath string
}

func (p *ProviderConfig) tokenEndpoint() string {
	path := p.TokenEndpointPath
	if path == "" {
		path = "/token"
	}
	return strings.TrimRight(p.AccountsURL, "/") + path
}

// Result is the outcome of Ensure.
type Result struct {
	AccessToken string
	WasRefreshed bool
}

// Refresher renews upstream provider access tokens on demand, rate-limited
// and deduplicated.
type Refresher struct {
	store  tokenstore.Store
	client *http.Client

	limiter     *rate.Limiter
	sem         *semaphore.Weighted
	group       singleflight.Group
	backoffOpts []backoff.RetryOption

	mu        sync.Mutex
	recent    map[string]time.Time
}

// New constructs a Refresher. rps/burst configure the outbound token
// bucket; concurrency bounds in-flight upstream calls.
func New(store tokenstore.Store, rps float64, burst, concurrency int) *Refresher {
	if burst < 1 {
		burst = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Refresher{
		store:   store,
		client:  &http.Client{Timeout: defaultUpstreamTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		sem:     semaphore.NewWeighted(int64(concurrency)),
		recent:  map[string]time.Time{},
	}
}

// Ensure returns the current (possibly freshly-refreshed) upstream access
// token for the RS access token, or an empty string if no provider token
// is on file.
func (r *Refresher) Ensure(ctx context.Context, rsAccessToken string, cfg *ProviderConfig) (Result, error) {
	rec, err := r.store.GetByRSAccess(ctx, rsAccessToken)
	if err != nil {
		return Result{}, fmt.Errorf("refresher: lookup failed: %w", err)
	}
	if rec == nil || rec.Provider.AccessToken == "" {
		return Result{}, nil
	}

	now := time.Now()
	if rec.Provider.ExpiresAt == nil || now.Before(rec.Provider.ExpiresAt.Add(-expirySkew)) {
		return Result{AccessToken: rec.Provider.AccessToken}, nil
	}

	if r.recentlyRefreshed(rsAccessToken, now) {
		return Result{AccessToken: rec.Provider.AccessToken}, nil
	}

	if rec.Provider.RefreshToken == "" || cfg == nil {
		logger.Warnw("refresher: provider token expired but no refresh token or provider config available",
			"component", "refresher", "rsAccess", logger.Redact(rsAccessToken))
		return Result{AccessToken: rec.Provider.AccessToken}, nil
	}

	result, err, _ := r.group.Do(rsAccessToken, func() (any, error) {
		return r.doRefresh(ctx, rsAccessToken, rec, cfg)
	})
	if err != nil {
		logger.Warnw("refresher: upstream refresh failed, serving existing token",
			"component", "refresher", "rsAccess", logger.Redact(rsAccessToken), "error", err.Error())
		return Result{AccessToken: rec.Provider.AccessToken}, nil
	}
	return result.(Result), nil
}

func (r *Refresher) recentlyRefreshed(rsAccessToken string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recent) >= maxDedupEntries {
		for k, t := range r.recent {
			if now.Sub(t) > dedupWindow {
				delete(r.recent, k)
			}
		}
	}
	t, ok := r.recent[rsAccessToken]
	return ok && now.Sub(t) < dedupWindow
}

func (r *Refresher) markRefreshed(rsAccessToken string, now time.Time) {
	r.mu.Lock()
	r.recent[rsAccessToken] = now
	r.mu.Unlock()
}

func (r *Refresher) doRefresh(ctx context.Context, rsAccessToken string, rec *tokenstore.RsRecord, cfg *ProviderConfig) (Result, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("refresher: concurrency gate: %w", err)
	}
	defer r.sem.Release(1)

	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("refresher: rate limiter: %w", err)
	}

	resp, err := backoff.Retry(ctx, func() (*tokenResponse, error) {
		tr, retryable, err := r.postRefresh(ctx, rec.Provider.RefreshToken, cfg)
		if err != nil && !retryable {
			return nil, backoff.Permanent(err)
		}
		return tr, err
	}, backoff.WithBackOff(newExponentialBackoff()), backoff.WithMaxTries(4))
	if err != nil {
		return Result{}, err
	}

	now := time.Now()
	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := now.Add(time.Duration(expiresIn) * time.Second)

	newRefresh := resp.RefreshToken
	rotated := newRefresh != "" && newRefresh != rec.Provider.RefreshToken
	if newRefresh == "" {
		newRefresh = rec.Provider.RefreshToken
	}

	newProvider := tokenstore.ProviderToken{
		AccessToken:  resp.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    &expiresAt,
		Scopes:       splitScope(resp.Scope),
	}

	newRSAccess := rec.RSAccessToken
	if rotated {
		newRSAccess, err = randomToken(24)
		if err != nil {
			return Result{}, fmt.Errorf("refresher: generating rotated rs access token: %w", err)
		}
	}

	if _, err := r.store.UpdateByRSRefresh(ctx, rec.RSRefreshToken, newProvider, newRSAccess); err != nil {
		return Result{}, fmt.Errorf("refresher: store update failed: %w", err)
	}
	r.markRefreshed(rsAccessToken, now)

	return Result{AccessToken: resp.AccessToken, WasRefreshed: true}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// postRefresh performs the RFC 6749 refresh_token grant. The bool return
// reports whether a failure is retryable (network/5xx) vs permanent
// (4xx/parse error).
func (r *Refresher) postRefresh(ctx context.Context, refreshToken string, cfg *ProviderConfig) (*tokenResponse, bool, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.tokenEndpoint(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(cfg.ClientID), url.QueryEscape(cfg.ClientSecret))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("upstream refresh request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("reading refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("upstream refresh returned status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, false, fmt.Errorf("parsing refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, false, fmt.Errorf("upstream refresh response missing access_token")
	}
	return &tr, false, nil
}

func newExponentialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 4 * time.Second
	b.RandomizationFactor = 0.25
	return b
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
