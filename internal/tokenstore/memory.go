// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcpbridge/rsbridge/internal/logger"
)

// MemoryStore is the reference Store implementation: everything lives in
// process memory, guarded by a single mutex with short critical sections.
// File and KV backends layer on top of one of these.
type MemoryStore struct {
	mu           sync.Mutex
	byAccess     map[string]*RsRecord
	byRefresh    map[string]*RsRecord
	transactions map[string]Transaction
	codes        map[string]string // code -> txnID

	now func() time.Time

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewMemoryStore constructs a MemoryStore and starts its 60s background
// sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		byAccess:     map[string]*RsRecord{},
		byRefresh:    map[string]*RsRecord{},
		transactions: map[string]Transaction{},
		codes:        map[string]string{},
		now:          time.Now,
		stopSweep:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
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
	for access, rec := range s.byAccess {
		if rec.IsExpired(now) {
			delete(s.byAccess, access)
			delete(s.byRefresh, rec.RSRefreshToken)
		}
	}
	for id, txn := range s.transactions {
		if txn.IsExpired(now) {
			delete(s.transactions, id)
		}
	}
	logger.Debugw("token store sweep complete", "component", "tokenstore",
		"records", len(s.byAccess), "transactions", len(s.transactions), "codes", len(s.codes))
}

// Close stops the sweep goroutine. MemoryStore has no write-through to
// flush.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stopSweep:
	default:
		close(s.stopSweep)
	}
	<-s.sweepDone
	return nil
}

func (s *MemoryStore) StoreRSMapping(_ context.Context, rsAccess string, provider ProviderToken, rsRefresh string) (*RsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byRefresh[rsRefresh]; ok {
		delete(s.byAccess, existing.RSAccessToken)
		existing.RSAccessToken = rsAccess
		existing.Provider = provider
		s.byAccess[rsAccess] = existing
		return cloneRecord(existing), nil
	}

	rec := &RsRecord{
		RSAccessToken:  rsAccess,
		RSRefreshToken: rsRefresh,
		Provider:       provider,
		CreatedAt:      s.now(),
		ExpiresAt:      s.now().Add(DefaultRecordTTL),
	}
	s.byAccess[rsAccess] = rec
	s.byRefresh[rsRefresh] = rec

	s.evictOldestLocked()
	return cloneRecord(rec), nil
}

// evictOldestLocked must be called with s.mu held. It evicts up to
// EvictBatchSize oldest records once MaxRSRecords is crossed.
func (s *MemoryStore) evictOldestLocked() {
	if len(s.byAccess) <= MaxRSRecords {
		return
	}
	records := make([]*RsRecord, 0, len(s.byAccess))
	for _, rec := range s.byAccess {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	n := EvictBatchSize
	if n > len(records) {
		n = len(records)
	}
	for _, rec := range records[:n] {
		delete(s.byAccess, rec.RSAccessToken)
		delete(s.byRefresh, rec.RSRefreshToken)
	}
	logger.Warnw("token store evicted oldest records on cap overflow", "component", "tokenstore", "evicted", n)
}

func (s *MemoryStore) GetByRSAccess(_ context.Context, rsAccess string) (*RsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byAccess[rsAccess]
	if !ok {
		return nil, nil
	}
	if rec.IsExpired(s.now()) {
		delete(s.byAccess, rsAccess)
		delete(s.byRefresh, rec.RSRefreshToken)
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) GetByRSRefresh(_ context.Context, rsRefresh string) (*RsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byRefresh[rsRefresh]
	if !ok {
		return nil, nil
	}
	if rec.IsExpired(s.now()) {
		delete(s.byAccess, rec.RSAccessToken)
		delete(s.byRefresh, rsRefresh)
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) UpdateByRSRefresh(_ context.Context, rsRefresh string, newProvider ProviderToken, newRSAccess string) (*RsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byRefresh[rsRefresh]
	if !ok {
		return nil, nil
	}

	if newRSAccess != "" && newRSAccess != rec.RSAccessToken {
		// Delete the old access index entry before publishing the new one,
		// so there is never a window with two valid access tokens for the
		// same record.
		delete(s.byAccess, rec.RSAccessToken)
		rec.RSAccessToken = newRSAccess
		s.byAccess[newRSAccess] = rec
	}
	rec.Provider = newProvider
	return cloneRecord(rec), nil
}

func (s *MemoryStore) DeleteByRSAccess(_ context.Context, rsAccess string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byAccess[rsAccess]
	if !ok {
		return nil
	}
	delete(s.byAccess, rsAccess)
	delete(s.byRefresh, rec.RSRefreshToken)
	return nil
}

func (s *MemoryStore) SaveTransaction(_ context.Context, txnID string, txn Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.now()
	}
	s.transactions[txnID] = txn
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, txnID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[txnID]
	if !ok {
		return nil, nil
	}
	if txn.IsExpired(s.now()) {
		delete(s.transactions, txnID)
		return nil, nil
	}
	cp := txn
	return &cp, nil
}

func (s *MemoryStore) DeleteTransaction(_ context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transactions, txnID)
	return nil
}

func (s *MemoryStore) SaveCode(_ context.Context, code, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = txnID
	return nil
}

func (s *MemoryStore) GetTxnIDByCode(_ context.Context, code string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txnID, ok := s.codes[code]
	return txnID, ok, nil
}

func (s *MemoryStore) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// snapshot returns every live record, used by the file backend to persist
// and by tests.
func (s *MemoryStore) snapshot() []*RsRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RsRecord, 0, len(s.byAccess))
	for _, rec := range s.byAccess {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// restore re-hydrates the in-memory indices from a previously persisted
// snapshot, skipping provider-expired records.
func (s *MemoryStore) restore(records []*RsRecord, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Provider.IsExpired(now) {
			continue
		}
		cp := *rec
		s.byAccess[cp.RSAccessToken] = &cp
		s.byRefresh[cp.RSRefreshToken] = &cp
	}
}

func cloneRecord(r *RsRecord) *RsRecord {
	cp := *r
	if r.Provider.ExpiresAt != nil {
		t := *r.Provider.ExpiresAt
		cp.Provider.ExpiresAt = &t
	}
	cp.Provider.Scopes = append([]string(nil), r.Provider.Scopes...)
	return &cp
}
