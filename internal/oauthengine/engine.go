// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauthengine implements the OAuth Flow Engine (C6): the
// authorize/callback/token/register/revoke surface bridging MCP clients to
// the upstream provider.
package oauthengine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpbridge/rsbridge/internal/config"
	"github.com/mcpbridge/rsbridge/internal/logger"
	"github.com/mcpbridge/rsbridge/internal/refresher"
	"github.com/mcpbridge/rsbridge/internal/tokenstore"
)

// Engine implements the OAuth Flow Engine (C6).
type Engine struct {
	store    tokenstore.Store
	oauth    config.OAuth
	cimd     config.CIMD
	provider refresher.ProviderConfig
	client   *http.Client

	// callbackURL is this server's own OAuth callback endpoint, used as
	// the redirect_uri in the production path toward the upstream
	// provider.
	callbackURL string
}

// New constructs an Engine.
func New(store tokenstore.Store, oauthCfg config.OAuth, cimdCfg config.CIMD, providerCfg config.Provider, callbackURL string) *Engine {
	return &Engine{
		store: store,
		oauth: oauthCfg,
		cimd:  cimdCfg,
		provider: refresher.ProviderConfig{
			ClientID:          providerCfg.ClientID,
			ClientSecret:      providerCfg.ClientSecret,
			AccountsURL:       providerCfg.AccountsURL,
			TokenEndpointPath: providerCfg.TokenEndpointPath,
		},
		client:      &http.Client{Timeout: 30 * time.Second},
		callbackURL: callbackURL,
	}
}

func (e *Engine) providerConfigured() bool {
	return e.provider.ClientID != "" && e.provider.ClientSecret != "" && e.provider.AccountsURL != ""
}

// AuthorizeInput is the decoded /authorize request.
type AuthorizeInput struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string
	SID                 string
}

// AuthorizeResult is the outcome of Authorize.
type AuthorizeResult struct {
	RedirectTo string
	TxnID      string
}

type compositeState struct {
	TID string `json:"tid"`
	CS  string `json:"cs"`
	CR  string `json:"cr"`
	SID string `json:"sid"`
}

// Authorize validates the /authorize request and either mints an
// authorization code directly (no upstream provider configured) or
// redirects to the upstream provider's own authorization endpoint.
func (e *Engine) Authorize(ctx context.Context, in AuthorizeInput) (AuthorizeResult, error) {
	if in.RedirectURI == "" || in.CodeChallenge == "" {
		return AuthorizeResult{}, newError(ErrInvalidRequest, "redirect_uri and code_challenge are required")
	}
	if in.CodeChallengeMethod != "S256" {
		return AuthorizeResult{}, newError(ErrInvalidRequest, "code_challenge_method must be S256")
	}

	allowedRedirects := e.oauth.RedirectAllowlist
	if isCIMDClientID(in.ClientID) {
		meta, err := e.fetchClientMetadata(ctx, in.ClientID)
		if err != nil {
			return AuthorizeResult{}, err
		}
		if !contains(meta.RedirectURIs, in.RedirectURI) {
			return AuthorizeResult{}, newError(ErrInvalidClient, "redirect_uri not in CIMD metadata")
		}
		allowedRedirects = meta.RedirectURIs
	} else if !e.redirectAllowed(in.RedirectURI, allowedRedirects) {
		return AuthorizeResult{}, newError(ErrInvalidRequest, "redirect_uri not allowed")
	}

	txnID, err := randomToken(16)
	if err != nil {
		return AuthorizeResult{}, fmt.Errorf("generating transaction id: %w", err)
	}
	txn := tokenstore.Transaction{
		CodeChallenge: in.CodeChallenge,
		State:         in.State,
		Scope:         in.Scope,
		CreatedAt:     time.Now(),
		SID:           in.SID,
	}
	if err := e.store.SaveTransaction(ctx, txnID, txn); err != nil {
		return AuthorizeResult{}, fmt.Errorf("saving transaction: %w", err)
	}

	if !e.providerConfigured() {
		return e.devShortcut(ctx, txnID, in, allowedRedirects)
	}
	return e.productionRedirect(txnID, in)
}

func (e *Engine) devShortcut(ctx context.Context, txnID string, in AuthorizeInput, allowedRedirects []string) (AuthorizeResult, error) {
	code, err := randomToken(24)
	if err != nil {
		return AuthorizeResult{}, fmt.Errorf("generating dev authorization code: %w", err)
	}
	if err := e.store.SaveCode(ctx, code, txnID); err != nil {
		return AuthorizeResult{}, fmt.Errorf("saving dev authorization code: %w", err)
	}

	if !loopbackAllowed(in.RedirectURI) && !e.redirectAllowed(in.RedirectURI, allowedRedirects) {
		return AuthorizeResult{}, newError(ErrInvalidRequest, "redirect_uri not allowed")
	}

	redirectURL, err := url.Parse(in.RedirectURI)
	if err != nil {
		return AuthorizeResult{}, newError(ErrInvalidRequest, "malformed redirect_uri")
	}
	q := redirectURL.Query()
	q.Set("code", code)
	if in.State != "" {
		q.Set("state", in.State)
	}
	redirectURL.RawQuery = q.Encode()

	logger.Warnw("oauth dev shortcut issued authorization code without provider exchange",
		"component", "oauthengine", "txnID", txnID)

	return AuthorizeResult{RedirectTo: redirectURL.String(), TxnID: txnID}, nil
}

func (e *Engine) productionRedirect(txnID string, in AuthorizeInput) (AuthorizeResult, error) {
	state := compositeState{TID: txnID, CS: in.State, CR: in.RedirectURI, SID: in.SID}
	encodedState, err := encodeState(state)
	if err != nil {
		return AuthorizeResult{}, fmt.Errorf("encoding state: %w", err)
	}

	authURL, err := url.Parse(e.oauth.AuthorizationURL)
	if err != nil {
		return AuthorizeResult{}, fmt.Errorf("invalid configured authorization URL: %w", err)
	}
	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", e.provider.ClientID)
	q.Set("redirect_uri", e.callbackURL)
	if in.Scope != "" {
		q.Set("scope", in.Scope)
	} else if len(e.oauth.Scopes) > 0 {
		q.Set("scope", strings.Join(e.oauth.Scopes, " "))
	}
	q.Set("state", encodedState)
	for k, v := range e.oauth.ExtraAuthParams {
		q.Set(k, v)
	}
	authURL.RawQuery = q.Encode()

	return AuthorizeResult{RedirectTo: authURL.String(), TxnID: txnID}, nil
}

// HandleCallback completes the upstream provider's redirect back to this
// server: it exchanges the provider code for a provider token and mints
// this server's own authorization code for the waiting client.
func (e *Engine) HandleCallback(ctx context.Context, encodedState, providerCode string) (string, error) {
	state, err := decodeState(encodedState)
	if err != nil {
		return "", newError(ErrInvalidRequest, "malformed state")
	}

	txn, err := e.store.GetTransaction(ctx, state.TID)
	if err != nil {
		return "", fmt.Errorf("loading transaction: %w", err)
	}
	if txn == nil {
		return "", newError(ErrUnknownTxn, state.TID)
	}

	providerToken, err := e.exchangeCode(ctx, providerCode)
	if err != nil {
		return "", err
	}
	if providerToken.AccessToken == "" {
		return "", newError(ErrProviderNoToken, "")
	}

	txn.Provider = providerToken
	if err := e.store.SaveTransaction(ctx, state.TID, *txn); err != nil {
		return "", fmt.Errorf("persisting provider token into transaction: %w", err)
	}

	rsCode, err := randomToken(24)
	if err != nil {
		return "", fmt.Errorf("generating rs authorization code: %w", err)
	}
	if err := e.store.SaveCode(ctx, rsCode, state.TID); err != nil {
		return "", fmt.Errorf("saving rs authorization code: %w", err)
	}

	redirectURL, err := url.Parse(state.CR)
	if err != nil {
		return "", newError(ErrInvalidRequest, "malformed client redirect")
	}
	q := redirectURL.Query()
	q.Set("code", rsCode)
	if state.CS != "" {
		q.Set("state", state.CS)
	}
	redirectURL.RawQuery = q.Encode()
	return redirectURL.String(), nil
}

func (e *Engine) exchangeCode(ctx context.Context, code string) (*tokenstore.ProviderToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", e.callbackURL)

	endpoint := e.oauth.TokenURL
	if endpoint == "" {
		endpoint = strings.TrimRight(e.provider.AccountsURL, "/") + e.provider.TokenEndpointPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newError(ErrFetchFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(e.provider.ClientID), url.QueryEscape(e.provider.ClientSecret))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, newError(ErrFetchFailed, err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, newError(ErrFetchFailed, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		return nil, newError("provider_token_error", fmt.Sprintf("%s %s", oauthErr.Error, oauthErr.ErrorDescription))
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, newError(ErrFetchFailed, err.Error())
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	return &tokenstore.ProviderToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    &expiresAt,
		Scopes:       splitScope(tr.Scope),
	}, nil
}

// TokenRequest is the decoded /token form body.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse is the outcome of Token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Token implements the authorization_code and refresh_token grants.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return e.tokenFromCode(ctx, req)
	case "refresh_token":
		return e.tokenFromRefresh(ctx, req)
	default:
		return TokenResponse{}, newError(ErrUnsupportedGrantType, req.GrantType)
	}
}

func (e *Engine) tokenFromCode(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return TokenResponse{}, newError(ErrInvalidRequest, "code and code_verifier are required")
	}

	txnID, ok, err := e.store.GetTxnIDByCode(ctx, req.Code)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("resolving code: %w", err)
	}
	if !ok {
		return TokenResponse{}, newError(ErrInvalidGrant, "unknown code")
	}
	txn, err := e.store.GetTransaction(ctx, txnID)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("loading transaction: %w", err)
	}
	if txn == nil {
		return TokenResponse{}, newError(ErrInvalidGrant, "unknown transaction")
	}

	if !verifyS256(req.CodeVerifier, txn.CodeChallenge) {
		return TokenResponse{}, newError(ErrInvalidGrant, "code_verifier does not match code_challenge")
	}

	rsAccess, err := randomToken(24)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("generating rs access token: %w", err)
	}
	rsRefresh, err := randomToken(24)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("generating rs refresh token: %w", err)
	}

	scope := txn.Scope
	if txn.Provider != nil {
		if _, err := e.store.StoreRSMapping(ctx, rsAccess, *txn.Provider, rsRefresh); err != nil {
			return TokenResponse{}, fmt.Errorf("storing rs mapping: %w", err)
		}
		if len(txn.Provider.Scopes) > 0 {
			scope = strings.Join(txn.Provider.Scopes, " ")
		}
	} else {
		logger.Warnw("authorization_code exchange completed without a provider token on the transaction",
			"component", "oauthengine", "txnID", txnID)
	}

	_ = e.store.DeleteTransaction(ctx, txnID)
	_ = e.store.DeleteCode(ctx, req.Code)

	return TokenResponse{
		AccessToken:  rsAccess,
		RefreshToken: rsRefresh,
		TokenType:    "bearer",
		ExpiresIn:    3600,
		Scope:        scope,
	}, nil
}

func (e *Engine) tokenFromRefresh(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	if req.RefreshToken == "" {
		return TokenResponse{}, newError(ErrInvalidRequest, "refresh_token is required")
	}

	rec, err := e.store.GetByRSRefresh(ctx, req.RefreshToken)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("looking up rs refresh token: %w", err)
	}
	if rec == nil {
		return TokenResponse{}, newError(ErrInvalidGrant, "unknown refresh_token")
	}

	needsRefresh := rec.Provider.ExpiresAt == nil || !rec.Provider.ExpiresAt.After(time.Now().Add(60*time.Second))
	rsAccess := rec.RSAccessToken
	expiresAt := rec.Provider.ExpiresAt

	if needsRefresh {
		if !e.providerConfigured() || rec.Provider.RefreshToken == "" {
			return TokenResponse{}, newError(ErrProviderTokenExpired, "")
		}
		newProvider, newRSAccess, err := e.refreshUpstream(ctx, rec)
		if err != nil {
			return TokenResponse{}, newError(ErrProviderRefreshFailed, err.Error())
		}
		rsAccess = newRSAccess
		expiresAt = newProvider.ExpiresAt
	}

	expiresIn := int64(3600)
	if expiresAt != nil {
		secs := int64(time.Until(*expiresAt).Seconds())
		if secs < 1 {
			secs = 1
		}
		expiresIn = secs
	}

	return TokenResponse{
		AccessToken:  rsAccess,
		RefreshToken: req.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
		Scope:        strings.Join(rec.Provider.Scopes, " "),
	}, nil
}

func (e *Engine) refreshUpstream(ctx context.Context, rec *tokenstore.RsRecord) (tokenstore.ProviderToken, string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.Provider.RefreshToken)

	endpoint := strings.TrimRight(e.provider.AccountsURL, "/") + e.provider.TokenEndpointPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenstore.ProviderToken{}, "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(url.QueryEscape(e.provider.ClientID), url.QueryEscape(e.provider.ClientSecret))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return tokenstore.ProviderToken{}, "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenstore.ProviderToken{}, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return tokenstore.ProviderToken{}, "", fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return tokenstore.ProviderToken{}, "", err
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)

	rotated := tr.RefreshToken != "" && tr.RefreshToken != rec.Provider.RefreshToken
	newRefresh := tr.RefreshToken
	if newRefresh == "" {
		newRefresh = rec.Provider.RefreshToken
	}
	newProvider := tokenstore.ProviderToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    &expiresAt,
		Scopes:       splitScope(tr.Scope),
	}

	newRSAccess := rec.RSAccessToken
	if rotated {
		newRSAccess, err = randomToken(24)
		if err != nil {
			return tokenstore.ProviderToken{}, "", err
		}
	}

	if _, err := e.store.UpdateByRSRefresh(ctx, rec.RSRefreshToken, newProvider, newRSAccess); err != nil {
		return tokenstore.ProviderToken{}, "", err
	}
	return newProvider, newRSAccess, nil
}

// RegisterRequest is the decoded /register body (RFC 7591, stubbed: no
// persistent client registry backs it).
type RegisterRequest struct {
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
}

// RegisterResponse is returned by Register.
type RegisterResponse struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Register issues throwaway client credentials without persisting them.
func (e *Engine) Register(req RegisterRequest) (RegisterResponse, error) {
	clientID, err := randomToken(12)
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("generating client id: %w", err)
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	return RegisterResponse{
		ClientID:                clientID,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: "none",
	}, nil
}

func (e *Engine) redirectAllowed(redirectURI string, allowlist []string) bool {
	if e.oauth.RedirectAllowAll {
		return true
	}
	if loopbackAllowed(redirectURI) {
		return true
	}
	for _, allowed := range allowlist {
		if allowed == redirectURI {
			return true
		}
	}
	return false
}

func loopbackAllowed(redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func verifyS256(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}

func encodeState(s compositeState) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func decodeState(encoded string) (compositeState, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return compositeState{}, err
	}
	var s compositeState
	if err := json.Unmarshal(raw, &s); err != nil {
		return compositeState{}, err
	}
	return s, nil
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

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
