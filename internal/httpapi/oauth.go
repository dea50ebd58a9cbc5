// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mcpbridge/rsbridge/internal/logger"
	"github.com/mcpbridge/rsbridge/internal/oauthengine"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := s.oauthEngine.Authorize(r.Context(), oauthengine.AuthorizeInput{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		SID:                 q.Get("sid"),
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectTo, err := s.oauthEngine.HandleCallback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	resp, err := s.oauthEngine.Token(r.Context(), oauthengine.TokenRequest{
		GrantType:    r.FormValue("grant_type"),
		Code:         r.FormValue("code"),
		CodeVerifier: r.FormValue("code_verifier"),
		RefreshToken: r.FormValue("refresh_token"),
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RedirectURIs  []string `json:"redirect_uris"`
		GrantTypes    []string `json:"grant_types"`
		ResponseTypes []string `json:"response_types"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &in)
	}
	resp, err := s.oauthEngine.Register(oauthengine.RegisterRequest{
		RedirectURIs:  in.RedirectURIs,
		GrantTypes:    in.GrantTypes,
		ResponseTypes: in.ResponseTypes,
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleAuthServerMetadata serves an RFC 8414 authorization server metadata
// document describing this server's own OAuth endpoints.
func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                origin,
		"authorization_endpoint":                origin + "/authorize",
		"token_endpoint":                         origin + "/token",
		"registration_endpoint":                  origin + "/register",
		"revocation_endpoint":                    origin + "/revoke",
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":        []string{"S256"},
		"token_endpoint_auth_methods_supported":   []string{"none"},
	})
}

// protectedResourceMetadata is the RFC 9728 protected-resource metadata
// document shape served for this server's own /mcp resource.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers    []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r)
	resource := origin + "/mcp"
	if sid := r.URL.Query().Get("sid"); sid != "" {
		logger.Debugw("protected resource metadata requested for session", "component", "httpapi", "sessionID", sid)
	}
	writeJSON(w, http.StatusOK, protectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{origin},
		BearerMethodsSupported: []string{"header"},
	})
}

func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *oauthengine.Error
	if errors.As(err, &oerr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": oerr.Kind, "error_description": oerr.Detail})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error", "error_description": err.Error()})
}

