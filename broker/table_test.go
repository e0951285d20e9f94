// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"net"
	"testing"

	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeSession(t *testing.T, name string) *session.Session {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	return session.New(c1, name, codec.NewRegistry(codec.JSON))
}

func TestTableRegister(t *testing.T) {
	tbl := NewTable()
	a := pipeSession(t, "a")
	b := pipeSession(t, "b")

	assert.Nil(t, tbl.Register(a))
	assert.Nil(t, tbl.Register(b))
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"a", "b"}, tbl.Names())

	got, ok := tbl.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = tbl.Lookup("missing")
	assert.False(t, ok)
}

func TestTableTakeover(t *testing.T) {
	tbl := NewTable()
	first := pipeSession(t, "a")
	second := pipeSession(t, "a")

	tbl.Register(first)
	prev := tbl.Register(second)
	assert.Same(t, first, prev)

	assert.False(t, tbl.Unregister("a", first), "superseded session must not evict its successor")
	got, ok := tbl.Lookup("a")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, tbl.Unregister("a", second))
	assert.False(t, tbl.Unregister("a", second))
	assert.Equal(t, 0, tbl.Len())
}

func TestTableForEachAndDrain(t *testing.T) {
	tbl := NewTable()
	for _, name := range []string{"c", "a", "b"} {
		tbl.Register(pipeSession(t, name))
	}

	seen := make(map[string]int)
	tbl.ForEach(func(s *session.Session) {
		seen[s.Name()]++
		// Re-entrant calls must not deadlock.
		tbl.Len()
	})
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)

	drained := tbl.Drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, tbl.Names())
}
