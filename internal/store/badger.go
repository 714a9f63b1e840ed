// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/watchtower-sec/watchtower/internal/logging"
)

// OpenBadger opens the shared BadgerDB instance. An empty path opens an
// in-memory database, used by tests and by deployments that accept losing
// the idempotency index and model snapshots on restart.
func OpenBadger(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// ProcessedIndex is the BadgerDB-backed idempotency index. Event ids are
// stored with a TTL; a duplicate delivery within the TTL is detected and
// skipped, which makes at-least-once stream delivery safe.
type ProcessedIndex struct {
	db     *badger.DB
	prefix []byte
	ttl    time.Duration
	closed bool
	mu     sync.RWMutex
}

// ErrIndexClosed is returned after Close.
var ErrIndexClosed = errors.New("processed index is closed")

// NewProcessedIndex creates the index on a shared database handle.
func NewProcessedIndex(db *badger.DB, ttl time.Duration) *ProcessedIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProcessedIndex{
		db:     db,
		prefix: []byte("processed:"),
		ttl:    ttl,
	}
}

func (i *ProcessedIndex) key(tenantID, eventID string) []byte {
	k := make([]byte, 0, len(i.prefix)+len(tenantID)+1+len(eventID))
	k = append(k, i.prefix...)
	k = append(k, tenantID...)
	k = append(k, ':')
	k = append(k, eventID...)
	return k
}

// CheckAndMark atomically records the event id. Returns true if the event
// was already processed within the TTL.
func (i *ProcessedIndex) CheckAndMark(_ context.Context, tenantID, eventID string) (bool, error) {
	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return false, ErrIndexClosed
	}
	i.mu.RUnlock()

	key := i.key(tenantID, eventID)
	duplicate := false

	err := i.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			duplicate = true
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(key, []byte{1}).WithTTL(i.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, fmt.Errorf("check processed index: %w", err)
	}
	return duplicate, nil
}

// Unmark removes the processed record for an event so a stream redelivery
// is not treated as a duplicate. Used when downstream persistence failed
// after the event was marked.
func (i *ProcessedIndex) Unmark(_ context.Context, tenantID, eventID string) error {
	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return ErrIndexClosed
	}
	i.mu.RUnlock()

	err := i.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(i.key(tenantID, eventID))
	})
	if err != nil {
		return fmt.Errorf("unmark processed index: %w", err)
	}
	return nil
}

// Close marks the index closed. The shared database handle is closed by
// its owner.
func (i *ProcessedIndex) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// SnapshotStore persists outlier model snapshots in BadgerDB so restarts
// reuse the last good model instead of waiting for the next retrain.
type SnapshotStore struct {
	db     *badger.DB
	prefix []byte
}

// NewSnapshotStore creates the snapshot store on a shared database handle.
func NewSnapshotStore(db *badger.DB) *SnapshotStore {
	return &SnapshotStore{db: db, prefix: []byte("model:")}
}

func (s *SnapshotStore) key(tenantID string) []byte {
	return append(append([]byte{}, s.prefix...), tenantID...)
}

// SaveSnapshot stores a tenant's serialized model.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, tenantID string, snapshot []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(tenantID), snapshot)
	})
	if err != nil {
		return fmt.Errorf("save model snapshot for %s: %w", tenantID, err)
	}
	return nil
}

// LoadSnapshot returns a tenant's serialized model, or nil when absent.
func (s *SnapshotStore) LoadSnapshot(_ context.Context, tenantID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(tenantID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		snapshot, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load model snapshot for %s: %w", tenantID, err)
	}
	return snapshot, nil
}

// GCService runs BadgerDB value-log garbage collection on an interval.
// Supervised; badger.ErrNoRewrite just means there was nothing to collect.
type GCService struct {
	db       *badger.DB
	interval time.Duration
}

// NewGCService creates the garbage collection job.
func NewGCService(db *badger.DB, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &GCService{db: db, interval: interval}
}

// Serve implements suture.Service.
func (g *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("Badger value log GC failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (g *GCService) String() string {
	return "badger-gc"
}
