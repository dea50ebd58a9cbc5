// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the Session HTTP Façade (C8): the `/mcp`
// JSON-RPC surface, session lifecycle, CORS, and OAuth/discovery routes.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mcpbridge/rsbridge/internal/authresolver"
	"github.com/mcpbridge/rsbridge/internal/config"
	"github.com/mcpbridge/rsbridge/internal/dispatcher"
	"github.com/mcpbridge/rsbridge/internal/oauthengine"
	"github.com/mcpbridge/rsbridge/internal/reqctx"
	"github.com/mcpbridge/rsbridge/internal/sessionstore"
)

// Server wires the Session HTTP Façade's dependencies into an http.Handler.
type Server struct {
	cfg         config.Server
	auth        config.Auth
	dispatcher  *dispatcher.Dispatcher
	sessions    sessionstore.Store
	requests    *reqctx.Registry
	resolver    *authresolver.Resolver
	oauthEngine *oauthengine.Engine
}

// New constructs a Server.
func New(
	cfg config.Server,
	authCfg config.Auth,
	disp *dispatcher.Dispatcher,
	sessions sessionstore.Store,
	requests *reqctx.Registry,
	resolver *authresolver.Resolver,
	engine *oauthengine.Engine,
) *Server {
	return &Server{
		cfg:         cfg,
		auth:        authCfg,
		dispatcher:  disp,
		sessions:    sessions,
		requests:    requests,
		resolver:    resolver,
		oauthEngine: engine,
	}
}

// Router builds the complete HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)

	r.Get("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/*", s.handleProtectedResourceMetadata)

	r.Get("/authorize", s.handleAuthorize)
	r.Get("/oauth/callback", s.handleCallback)
	r.Post("/token", s.handleToken)
	r.Post("/register", s.handleRegister)
	r.Post("/revoke", s.handleRevoke)

	r.Post("/mcp", s.handleMCPPost)
	r.Get("/mcp", s.handleMCPGet)
	r.Delete("/mcp", s.handleMCPDelete)

	return r
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version, X-Api-Key, X-Auth-Token")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, WWW-Authenticate")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fingerprint derives the credential identity used to bind a session,
// following a fixed header-precedence order.
func fingerprint(r *http.Request, authCfg config.Auth) string {
	if v := r.Header.Get(authCfg.APIKeyHeader); authCfg.APIKeyHeader != "" && v != "" {
		return v
	}
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	if v := r.Header.Get("x-auth-token"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	if authCfg.APIKey != "" {
		return authCfg.APIKey
	}
	return "public"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRPCError(w http.ResponseWriter, status int, code int, message string) {
	writeJSON(w, status, dispatcher.Response{
		JSONRPC: "2.0",
		Error:   &dispatcher.RPCError{Code: code, Message: message},
	})
}

func originAllowed(cfg config.Server, origin string) bool {
	if origin == "" {
		return true
	}
	if cfg.Env != "production" {
		return isLoopbackOrPrivateOrigin(origin)
	}
	// Production policy hook: default allow. Real deployments substitute
	// an allowlist here.
	return true
}

func isLoopbackOrPrivateOrigin(origin string) bool {
	lower := strings.ToLower(origin)
	switch {
	case strings.Contains(lower, "localhost"),
		strings.Contains(lower, "127.0.0.1"),
		strings.Contains(lower, "::1"),
		strings.Contains(lower, ".local"):
		return true
	default:
		return false
	}
}

func protocolVersionAccepted(header string) bool {
	if header == "" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		for _, supported := range dispatcher.SupportedProtocolVersions {
			if candidate == supported {
				return true
			}
		}
	}
	return false
}

func protocolVersionHeader(r *http.Request) string {
	return r.Header.Get("Mcp-Protocol-Version")
}

func newSessionID() string {
	return uuid.NewString()
}

func challenge(w http.ResponseWriter, origin, sessionID string) {
	authURI := fmt.Sprintf("%s/.well-known/oauth-protected-resource?sid=%s", origin, sessionID)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="MCP", authorization_uri=%q`, authURI))
	if sessionID != "" {
		w.Header().Set("Mcp-Session-Id", sessionID)
	}
	writeRPCError(w, http.StatusUnauthorized, dispatcher.CodeServerError, "Unauthorized")
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
