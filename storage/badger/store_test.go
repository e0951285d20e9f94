// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/mom/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGet(t *testing.T) {
	s := setupStore(t)

	now := time.Now()
	c := &storage.Capture{
		Tag:         "app.Status",
		Destination: "monitor",
		Source:      "sensor-1",
		Payload:     []byte(`{"ok":true}`),
		ReceivedAt:  now,
	}
	require.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, "app.Status")
	require.NoError(t, err)
	assert.Equal(t, c.Tag, got.Tag)
	assert.Equal(t, c.Destination, got.Destination)
	assert.Equal(t, c.Source, got.Source)
	assert.Equal(t, c.Payload, got.Payload)
	assert.True(t, now.Equal(got.ReceivedAt), "received_at %v != %v", got.ReceivedAt, now)
}

func TestStoreOverwrite(t *testing.T) {
	s := setupStore(t)

	require.NoError(t, s.Put(ctx, &storage.Capture{Tag: "app.Status", Payload: []byte("first")}))
	require.NoError(t, s.Put(ctx, &storage.Capture{Tag: "app.Status", Payload: []byte("second")}))

	got, err := s.Get(ctx, "app.Status")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got.Payload)
}

func TestStoreNotFound(t *testing.T) {
	s := setupStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreListDelete(t *testing.T) {
	s := setupStore(t)
	for _, tag := range []string{"b.Tag", "c.Tag", "a.Tag"} {
		require.NoError(t, s.Put(ctx, &storage.Capture{Tag: tag, Payload: []byte(tag)}))
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a.Tag", list[0].Tag)
	assert.Equal(t, "b.Tag", list[1].Tag)
	assert.Equal(t, "c.Tag", list[2].Tag)

	require.NoError(t, s.Delete(ctx, "b.Tag"))
	_, err = s.Get(ctx, "b.Tag")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, &storage.Capture{Tag: "app.Status", Payload: []byte("kept")}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "app.Status")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Payload)
}

func TestStoreInMemory(t *testing.T) {
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, &storage.Capture{Tag: "app.Ping"}))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
