// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Capture is a message recorded by a broker in mock mode, kept in its
// encoded form so stores never need the application types.
type Capture struct {
	Tag         string    `json:"tag" msgpack:"tag"`
	Destination string    `json:"destination" msgpack:"destination"`
	Source      string    `json:"source" msgpack:"source"`
	Payload     []byte    `json:"payload" msgpack:"payload"`
	ReceivedAt  time.Time `json:"received_at" msgpack:"received_at"`
}

// CaptureStore keeps the most recent capture per body type tag.
type CaptureStore interface {
	// Put records c, replacing any capture with the same tag.
	Put(ctx context.Context, c *Capture) error

	// Get returns the capture for tag or ErrNotFound.
	Get(ctx context.Context, tag string) (*Capture, error)

	// List returns all captures ordered by tag.
	List(ctx context.Context) ([]*Capture, error)

	// Delete removes the capture for tag.
	Delete(ctx context.Context, tag string) error

	// Close releases the store.
	Close() error
}

// CopyCapture creates a deep copy of a capture.
func CopyCapture(c *Capture) *Capture {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Payload != nil {
		cp.Payload = append([]byte(nil), c.Payload...)
	}
	return &cp
}
