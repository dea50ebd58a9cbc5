// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import "context"

// Store is the Token Store contract. All operations may fail with an I/O
// error from the backing medium; a read miss is represented by a nil
// record and a nil error, never an error.
type Store interface {
	// StoreRSMapping creates or replaces an RsRecord. If rsRefresh matches
	// an existing record it is updated in place, re-indexing the old
	// access key. Implementations evict up to EvictBatchSize oldest
	// records once MaxRSRecords is crossed.
	StoreRSMapping(ctx context.Context, rsAccess string, provider ProviderToken, rsRefresh string) (*RsRecord, error)

	// GetByRSAccess returns the record addressed by an RS access token, or
	// nil if absent or record-expired (lazy eviction deletes on read).
	GetByRSAccess(ctx context.Context, rsAccess string) (*RsRecord, error)

	// GetByRSRefresh returns the record addressed by an RS refresh token,
	// with the same absence/expiry semantics as GetByRSAccess.
	GetByRSRefresh(ctx context.Context, rsRefresh string) (*RsRecord, error)

	// UpdateByRSRefresh atomically replaces the provider token on the
	// record addressed by rsRefresh. If newRSAccess is non-empty and
	// differs from the record's current access key, the old access index
	// entry is deleted before the new one is published, so there is never
	// an observable window with two live access tokens for one record.
	// Returns nil, nil if no record is addressed by rsRefresh.
	UpdateByRSRefresh(ctx context.Context, rsRefresh string, newProvider ProviderToken, newRSAccess string) (*RsRecord, error)

	// DeleteByRSAccess removes the record addressed by an RS access token,
	// together with its refresh-token index entry.
	DeleteByRSAccess(ctx context.Context, rsAccess string) error

	SaveTransaction(ctx context.Context, txnID string, txn Transaction) error
	GetTransaction(ctx context.Context, txnID string) (*Transaction, error)
	DeleteTransaction(ctx context.Context, txnID string) error

	SaveCode(ctx context.Context, code, txnID string) error
	GetTxnIDByCode(ctx context.Context, code string) (string, bool, error)
	DeleteCode(ctx context.Context, code string) error

	// Close flushes any pending writes and stops background sweeps. Safe
	// to call on backends without persistence.
	Close() error
}
