// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package reqctx

import (
	"errors"
	"sync"
	"time"

	"github.com/mcpbridge/rsbridge/internal/logger"
)

// ErrCancelled is the default cancellation reason when none is given.
var ErrCancelled = errors.New("request cancelled")

// Registry is the explicit request-context registry keyed by JSON-RPC
// request id.
type Registry struct {
	mu       sync.Mutex
	contexts map[any]*RequestContext

	now func() time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewRegistry constructs a Registry and starts its 60s sweep.
func NewRegistry() *Registry {
	r := &Registry{
		contexts:  map[any]*RequestContext{},
		now:       time.Now,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.runSweep()
	return r
}

func (r *Registry) runSweep() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.CleanupExpired(MaxAge)
		}
	}
}

// Close stops the sweep goroutine.
func (r *Registry) Close() error {
	select {
	case <-r.stopSweep:
	default:
		close(r.stopSweep)
	}
	<-r.sweepDone
	return nil
}

// Create registers a new RequestContext for requestID. A pre-existing
// entry for the same id is replaced.
func (r *Registry) Create(requestID any, sessionID string, auth AuthSnapshot) *RequestContext {
	rc := &RequestContext{
		RequestID:    requestID,
		SessionID:    sessionID,
		Auth:         auth,
		Timestamp:    r.now(),
		Cancellation: NewCancellationToken(),
	}
	r.mu.Lock()
	r.contexts[requestID] = rc
	r.mu.Unlock()
	return rc
}

// Get returns the RequestContext for requestID, or nil if absent.
func (r *Registry) Get(requestID any) *RequestContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contexts[requestID]
}

// Cancel cancels the in-flight request's token, if present, and returns
// whether an entry was found.
func (r *Registry) Cancel(requestID any, reason error) bool {
	r.mu.Lock()
	rc := r.contexts[requestID]
	r.mu.Unlock()
	if rc == nil {
		return false
	}
	rc.Cancellation.Cancel(reason)
	return true
}

// Delete removes the entry for requestID.
func (r *Registry) Delete(requestID any) {
	r.mu.Lock()
	delete(r.contexts, requestID)
	r.mu.Unlock()
}

// DeleteBySession removes every entry whose SessionID matches sessionID,
// returning the number removed. Invoked on session teardown.
func (r *Registry) DeleteBySession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, rc := range r.contexts {
		if rc.SessionID == sessionID {
			delete(r.contexts, id)
			count++
		}
	}
	return count
}

// CleanupExpired evicts entries older than maxAge, logging a warning if
// any were found: a nonzero count here signals a leak upstream (a
// handler that never reached Delete).
func (r *Registry) CleanupExpired(maxAge time.Duration) int {
	r.mu.Lock()
	count := r.cleanupExpiredLocked(maxAge)
	r.mu.Unlock()
	return count
}

func (r *Registry) cleanupExpiredLocked(maxAge time.Duration) int {
	now := r.now()
	count := 0
	for id, rc := range r.contexts {
		if now.Sub(rc.Timestamp) > maxAge {
			delete(r.contexts, id)
			count++
		}
	}
	if count > 0 {
		logger.Warnw("request-context registry evicted stale entries", "component", "reqctx", "count", count)
	}
	return count
}
