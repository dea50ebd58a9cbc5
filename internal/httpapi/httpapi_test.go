// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbridge/rsbridge/internal/authresolver"
	"github.com/mcpbridge/rsbridge/internal/config"
	"github.com/mcpbridge/rsbridge/internal/dispatcher"
	"github.com/mcpbridge/rsbridge/internal/oauthengine"
	"github.com/mcpbridge/rsbridge/internal/reqctx"
	"github.com/mcpbridge/rsbridge/internal/sessionstore"
	"github.com/mcpbridge/rsbridge/internal/tokenstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sessions := sessionstore.NewMemoryStore()
	t.Cleanup(func() { _ = sessions.Close() })
	store := tokenstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	requests := reqctx.NewRegistry()
	t.Cleanup(func() { _ = requests.Close() })

	disp := dispatcher.New(dispatcher.ServerInfo{Title: "bridge", Version: "1.0.0"}, requests)
	authCfg := config.Auth{Strategy: config.StrategyNone, APIKeyHeader: "x-api-key"}
	resolver := authresolver.New(authCfg, nil, store, nil, nil)
	engine := oauthengine.New(store, config.OAuth{}, config.CIMD{}, config.Provider{}, "https://rsbridge.example.com/oauth/callback")

	return New(config.Server{Env: "development"}, authCfg, disp, sessions, requests, resolver, engine)
}

func TestMCPPost_MissingSessionHeaderWithoutInitializeReturns400(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	body := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Mcp-Session-Id required")
}

func TestMCPPost_InitializeEstablishesSession(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"0"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get("Mcp-Session-Id")
	assert.NotEmpty(t, sessionID)

	var resp dispatcher.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	result := resp.Result.(map[string]any)
	assert.Equal(t, "2025-06-18", result["protocolVersion"])
}

func TestMCPPost_UnknownSessionReturns404(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	body := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Mcp-Session-Id", "does-not-exist")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMCPGet_NoSessionHeaderReturns405(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMCPDelete_RemovesSession(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	initBody := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	initReq := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(initBody))
	initRec := httptest.NewRecorder()
	s.Router().ServeHTTP(initRec, initReq)
	sessionID := initRec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	delReq := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	delReq.Header.Set("Mcp-Session-Id", sessionID)
	delRec := httptest.NewRecorder()
	s.Router().ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	body := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Mcp-Session-Id", sessionID)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth_ReturnsOK(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedResourceMetadata_ReturnsResourceDocument(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource?sid=abc", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body protectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Resource, "/mcp")
}

func TestAuthServerMetadata_ReturnsEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/authorize")
}

func TestFingerprint_PrecedenceOrder(t *testing.T) {
	t.Parallel()
	cfg := config.Auth{APIKeyHeader: "x-api-key", APIKey: "configured-key"}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	assert.Equal(t, "configured-key", fingerprint(req, cfg))

	req.Header.Set("Authorization", "Bearer from-auth-header")
	assert.Equal(t, "from-auth-header", fingerprint(req, cfg))

	req.Header.Set("x-auth-token", "from-x-auth-token")
	assert.Equal(t, "from-x-auth-token", fingerprint(req, cfg))

	req.Header.Set("x-api-key", "from-x-api-key")
	assert.Equal(t, "from-x-api-key", fingerprint(req, cfg))
}

func TestRegister_ReturnsClientCredentials(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	body := []byte(`{"redirect_uris":["http://127.0.0.1:51000/callback"]}`)
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "client_id")
}

func TestRevoke_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/revoke", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
