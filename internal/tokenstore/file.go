// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenstore

import (
	"context"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mcpbridge/rsbridge/internal/logger"
)

// persistVersion is the "version" field of the on-disk document.
const persistVersion = 1

// debounceWindow coalesces bursts of writes into one flush.
const debounceWindow = 100 * time.Millisecond

// persistedDocument is the on-disk shape: {version, encrypted, records}.
// When Encrypted is true, the records field is never populated directly —
// the records are marshaled, AES-GCM sealed, and written base64-encoded in
// the sealed field instead (see FileStore.flush).
type persistedDocument struct {
	Version   int         `json:"version"`
	Encrypted bool        `json:"encrypted"`
	Records   []*RsRecord `json:"records,omitempty"`
	Sealed    string      `json:"sealed,omitempty"`
}

// FileStore layers write-through persistence to an encrypted-on-disk JSON
// document over a MemoryStore.
type FileStore struct {
	*MemoryStore
	path string
	aead cipher.AEAD // nil if no encryption key was configured

	flock *flock.Flock

	mu          sync.Mutex
	dirty       bool
	flushTimer  *time.Timer
	flushDone   chan struct{}
	closeOnce   sync.Once
}

// NewFileStore constructs a FileStore backed by path. If encKey is
// non-empty it must decode to a 32-byte key; an empty encKey disables
// encryption and persists plaintext JSON (still 0600).
//
// On construction, an existing document is read and used to rehydrate the
// in-memory indices, skipping provider-expired records. If the document is
// marked encrypted but no key is configured, the file is left untouched
// and a warning is logged — the store starts empty.
func NewFileStore(path, encKey string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}

	var aead cipher.AEAD
	if encKey != "" {
		var err error
		aead, err = cipherFromKey(encKey)
		if err != nil {
			return nil, fmt.Errorf("invalid RS_TOKENS_ENC_KEY: %w", err)
		}
	}

	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
		aead:        aead,
		flock:       flock.New(path + ".lock"),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read token store file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc persistedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warnw("token store file is not valid JSON, starting empty", "component", "tokenstore", "path", fs.path, "error", err.Error())
		return nil
	}

	if doc.Encrypted && fs.aead == nil {
		logger.Warnw("token store file is encrypted but no RS_TOKENS_ENC_KEY configured; starting with an empty store",
			"component", "tokenstore", "path", fs.path)
		return nil
	}

	records := doc.Records
	if doc.Encrypted {
		sealed, err := base64.StdEncoding.DecodeString(doc.Sealed)
		if err != nil {
			logger.Warnw("token store sealed payload is not valid base64, starting empty", "component", "tokenstore", "error", err.Error())
			return nil
		}
		raw, err := decrypt(fs.aead, sealed)
		if err != nil {
			logger.Warnw("failed to decrypt token store file, starting empty", "component", "tokenstore", "error", err.Error())
			return nil
		}
		if err := json.Unmarshal(raw, &records); err != nil {
			logger.Warnw("decrypted token store payload is not valid JSON, starting empty", "component", "tokenstore", "error", err.Error())
			return nil
		}
	}

	fs.MemoryStore.restore(records, time.Now())
	logger.Infow("token store loaded from disk", "component", "tokenstore", "path", fs.path, "records", len(records))
	return nil
}

// scheduleFlush debounces writes into a single flush debounceWindow after
// the first mutation in a burst.
func (fs *FileStore) scheduleFlush() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirty = true
	if fs.flushTimer != nil {
		return
	}
	fs.flushTimer = time.AfterFunc(debounceWindow, func() {
		if err := fs.flush(); err != nil {
			logger.Warnw("token store flush failed", "component", "tokenstore", "error", err.Error())
		}
		fs.mu.Lock()
		fs.flushTimer = nil
		fs.mu.Unlock()
	})
}

func (fs *FileStore) flush() error {
	fs.mu.Lock()
	if !fs.dirty {
		fs.mu.Unlock()
		return nil
	}
	fs.dirty = false
	fs.mu.Unlock()

	if err := fs.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire token store file lock: %w", err)
	}
	defer fs.flock.Unlock() //nolint:errcheck

	records := fs.MemoryStore.snapshot()
	doc := persistedDocument{Version: persistVersion, Encrypted: fs.aead != nil}

	var payload []byte
	var err error
	if fs.aead != nil {
		raw, merr := json.Marshal(records)
		if merr != nil {
			return fmt.Errorf("failed to marshal records: %w", merr)
		}
		sealed, eerr := encrypt(fs.aead, raw)
		if eerr != nil {
			return fmt.Errorf("failed to encrypt token store payload: %w", eerr)
		}
		doc.Sealed = base64.StdEncoding.EncodeToString(sealed)
		payload, err = json.Marshal(doc)
	} else {
		doc.Records = records
		payload, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal token store document: %w", err)
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("failed to write token store temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return fmt.Errorf("failed to set token store file permissions: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("failed to replace token store file: %w", err)
	}
	return nil
}

// Close flushes any pending writes before stopping the sweep: the file
// backend must flush on graceful shutdown.
func (fs *FileStore) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		err = fs.flush()
		_ = fs.MemoryStore.Close()
	})
	return err
}

func (fs *FileStore) StoreRSMapping(ctx context.Context, rsAccess string, provider ProviderToken, rsRefresh string) (*RsRecord, error) {
	rec, err := fs.MemoryStore.StoreRSMapping(ctx, rsAccess, provider, rsRefresh)
	fs.scheduleFlush()
	return rec, err
}

func (fs *FileStore) UpdateByRSRefresh(ctx context.Context, rsRefresh string, newProvider ProviderToken, newRSAccess string) (*RsRecord, error) {
	rec, err := fs.MemoryStore.UpdateByRSRefresh(ctx, rsRefresh, newProvider, newRSAccess)
	fs.scheduleFlush()
	return rec, err
}

func (fs *FileStore) DeleteByRSAccess(ctx context.Context, rsAccess string) error {
	err := fs.MemoryStore.DeleteByRSAccess(ctx, rsAccess)
	fs.scheduleFlush()
	return err
}
