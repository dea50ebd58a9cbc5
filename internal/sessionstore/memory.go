// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mcpbridge/rsbridge/internal/logger"
)

// MemoryStore is the reference Store implementation, mirroring the
// teacher's session.Manager (pkg/transport/session/manager.go): a guarded
// map plus a periodic TTL sweep goroutine.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewMemoryStore constructs a MemoryStore and starts its 60s sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions:  map[string]*Session{},
		now:       time.Now,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.runSweep()
	return s
}

func (s *MemoryStore) runSweep() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccessed) > TTL {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		logger.Debugw("session store sweep evicted expired sessions", "component", "sessionstore", "count", evicted)
	}
}

func (s *MemoryStore) Close() error {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
	<-s.sweepDone
	return nil
}

func (s *MemoryStore) Create(_ context.Context, sessionID, apiKey string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictOldestForAPIKeyLocked(apiKey)
	s.evictOldestGlobalLocked()

	sess := &Session{
		SessionID:    sessionID,
		APIKey:       apiKey,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.sessions[sessionID] = sess
	return cloneSession(sess), nil
}

// evictOldestForAPIKeyLocked must be called with s.mu held. It enforces
// MaxSessionsPerAPIKey by deleting the oldest-by-LastAccessed session for
// apiKey once the cap would otherwise be exceeded by the pending create.
func (s *MemoryStore) evictOldestForAPIKeyLocked(apiKey string) {
	var owned []*Session
	for _, sess := range s.sessions {
		if sess.APIKey == apiKey {
			owned = append(owned, sess)
		}
	}
	if len(owned) < MaxSessionsPerAPIKey {
		return
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].LastAccessed.Before(owned[j].LastAccessed) })
	oldest := owned[0]
	delete(s.sessions, oldest.SessionID)
	logger.Warnw("evicted oldest session for api key over cap", "component", "sessionstore", "apiKey", logger.Redact(apiKey), "evictedSession", oldest.SessionID)
}

func (s *MemoryStore) evictOldestGlobalLocked() {
	if len(s.sessions) < MaxSessions {
		return
	}
	var oldest *Session
	for _, sess := range s.sessions {
		if oldest == nil || sess.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sess
		}
	}
	if oldest != nil {
		delete(s.sessions, oldest.SessionID)
		logger.Warnw("evicted oldest session on global cap overflow", "component", "sessionstore", "evictedSession", oldest.SessionID)
	}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if s.now().Sub(sess.LastAccessed) > TTL {
		delete(s.sessions, sessionID)
		return nil, nil
	}
	sess.LastAccessed = s.now()
	return cloneSession(sess), nil
}

func (s *MemoryStore) Update(_ context.Context, sessionID string, patch Patch) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q not found", sessionID)
	}
	if patch.Initialized != nil {
		sess.Initialized = *patch.Initialized
	}
	if patch.ProtocolVersion != nil {
		sess.ProtocolVersion = *patch.ProtocolVersion
	}
	sess.LastAccessed = s.now()
	return cloneSession(sess), nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) GetByAPIKey(_ context.Context, apiKey string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.APIKey == apiKey {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByAPIKey(_ context.Context, apiKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.APIKey == apiKey {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteOldestByAPIKey(_ context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictOldestForAPIKeyLocked(apiKey)
	return nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	return &cp
}
