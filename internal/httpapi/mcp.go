// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mcpbridge/rsbridge/internal/dispatcher"
	"github.com/mcpbridge/rsbridge/internal/logger"
	"github.com/mcpbridge/rsbridge/internal/sessionstore"
)

// batchEnvelope distinguishes a single JSON-RPC message from a batch
// via the body's leading byte, rather than two separate code paths.
type batchEnvelope struct {
	single dispatcher.Message
	batch  []dispatcher.Message
}

func parseBody(body []byte) (batchEnvelope, error) {
	trimmed := firstNonSpace(body)
	if trimmed == '[' {
		var batch []dispatcher.Message
		if err := json.Unmarshal(body, &batch); err != nil {
			return batchEnvelope{}, err
		}
		return batchEnvelope{batch: batch}, nil
	}
	var single dispatcher.Message
	if err := json.Unmarshal(body, &single); err != nil {
		return batchEnvelope{}, err
	}
	return batchEnvelope{single: single}, nil
}

func (b batchEnvelope) messages() []dispatcher.Message {
	if b.batch != nil {
		return b.batch
	}
	return []dispatcher.Message{b.single}
}

func firstNonSpace(body []byte) byte {
	for _, c := range body {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, dispatcher.CodeParseError, "Parse error")
		return
	}
	env, err := parseBody(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, dispatcher.CodeParseError, "Parse error")
		return
	}
	messages := env.messages()

	hasInitialize := false
	for _, m := range messages {
		if m.Method == "initialize" {
			hasInitialize = true
			break
		}
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" && !hasInitialize {
		writeRPCError(w, http.StatusBadRequest, dispatcher.CodeServerError, "Bad Request: Mcp-Session-Id required")
		return
	}

	origin := r.Header.Get("Origin")
	if !originAllowed(s.cfg, origin) {
		challenge(w, requestOrigin(r), sessionID)
		return
	}
	if !protocolVersionAccepted(protocolVersionHeader(r)) {
		challenge(w, requestOrigin(r), sessionID)
		return
	}

	var sess *sessionstore.Session
	key := fingerprint(r, s.auth)

	if hasInitialize {
		sessionID = newSessionID()
		sess, err = s.sessions.Create(r.Context(), sessionID, key)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, dispatcher.CodeInternalError, "failed to create session")
			return
		}
	} else {
		sess, err = s.sessions.Get(r.Context(), sessionID)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, dispatcher.CodeInternalError, "failed to load session")
			return
		}
		if sess == nil {
			if s.requests != nil {
				s.requests.DeleteBySession(sessionID)
			}
			http.Error(w, "Invalid session", http.StatusNotFound)
			return
		}
		if sess.APIKey != key {
			logger.Warnw("session credential fingerprint mismatch", "component", "httpapi",
				"sessionID", sessionID, "boundKey", logger.Redact(sess.APIKey), "requestKey", logger.Redact(key))
		}
	}

	resolved, err := s.resolver.Resolve(r.Context(), r.Header)
	if err != nil {
		challenge(w, requestOrigin(r), sessionID)
		return
	}
	if s.auth.RequireRS && s.auth.Strategy == "oauth" && resolved.RSToken == "" && !s.auth.AllowDirectBearer {
		challenge(w, requestOrigin(r), sessionID)
		return
	}

	w.Header().Set("Mcp-Session-Id", sessionID)

	responses := make([]*dispatcher.Response, 0, len(messages))
	for _, m := range messages {
		resp := s.dispatcher.Dispatch(r.Context(), sessionID, m, resolved)
		if resp != nil {
			responses = append(responses, resp)
		}
		if m.Method == "notifications/initialized" {
			trueVal := true
			_, _ = s.sessions.Update(r.Context(), sessionID, sessionstore.Patch{Initialized: &trueVal})
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if env.batch != nil {
		writeJSON(w, http.StatusOK, responses)
		return
	}
	writeJSON(w, http.StatusOK, responses[0])
}

func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil || sess == nil {
		http.Error(w, "Invalid session", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Mcp-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, dispatcher.CodeServerError, "Bad Request: Mcp-Session-Id required")
		return
	}
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil || sess == nil {
		http.Error(w, "Invalid session", http.StatusNotFound)
		return
	}
	if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
		writeRPCError(w, http.StatusInternalServerError, dispatcher.CodeInternalError, "failed to delete session")
		return
	}
	if s.requests != nil {
		s.requests.DeleteBySession(sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}
