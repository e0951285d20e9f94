// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mom/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var _ storage.CaptureStore = (*Store)(nil)

const capturePrefix = "capture:"

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	GCInterval time.Duration // Value log GC period, defaults to 5 minutes
}

// Store is a BadgerDB-backed capture store.
//
// Key format: capture:{tag}
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed capture store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Captures are diagnostic; losing the tail on a crash is acceptable.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval, !cfg.InMemory)

	return s, nil
}

// Put stores or replaces the capture for c.Tag.
func (s *Store) Put(_ context.Context, c *storage.Capture) error {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal capture: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(captureKey(c.Tag), data)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrClosed
	}
	return err
}

// Get retrieves the capture for tag.
func (s *Store) Get(_ context.Context, tag string) (*storage.Capture, error) {
	var c *storage.Capture

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(captureKey(tag))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			c = &storage.Capture{}
			return msgpack.Unmarshal(val, c)
		})
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// List returns all captures ordered by tag. Badger iterates keys in byte
// order, which is the tag order.
func (s *Store) List(_ context.Context) ([]*storage.Capture, error) {
	var result []*storage.Capture

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(capturePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c storage.Capture
				if err := msgpack.Unmarshal(val, &c); err != nil {
					return err
				}
				result = append(result, &c)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal capture: %w", err)
			}
		}
		return nil
	})

	return result, err
}

// Delete removes the capture for tag.
func (s *Store) Delete(_ context.Context, tag string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(captureKey(tag))
	})
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration, enabled bool) {
	defer close(s.gcDone)

	if !enabled {
		<-s.gcStopCh
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was reclaimable.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func captureKey(tag string) []byte {
	return []byte(capturePrefix + tag)
}
