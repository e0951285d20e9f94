// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/mom/storage"
)

var _ storage.CaptureStore = (*CaptureStore)(nil)

// CaptureStore is an in-memory implementation of storage.CaptureStore.
type CaptureStore struct {
	mu     sync.RWMutex
	data   map[string]*storage.Capture // tag -> capture
	closed bool
}

// NewCaptureStore creates a new in-memory capture store.
func NewCaptureStore() *CaptureStore {
	return &CaptureStore{
		data: make(map[string]*storage.Capture),
	}
}

// Put stores or replaces the capture for c.Tag.
func (s *CaptureStore) Put(_ context.Context, c *storage.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	s.data[c.Tag] = storage.CopyCapture(c)
	return nil
}

// Get retrieves the capture for tag.
func (s *CaptureStore) Get(_ context.Context, tag string) (*storage.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[tag]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyCapture(c), nil
}

// List returns all captures sorted by tag.
func (s *CaptureStore) List(_ context.Context) ([]*storage.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.Capture, 0, len(s.data))
	for _, c := range s.data {
		result = append(result, storage.CopyCapture(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tag < result[j].Tag })
	return result, nil
}

// Delete removes the capture for tag.
func (s *CaptureStore) Delete(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, tag)
	return nil
}

// Close drops all captures.
func (s *CaptureStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = make(map[string]*storage.Capture)
	return nil
}
