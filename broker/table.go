// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sort"
	"sync"

	"github.com/absmach/mom/session"
)

// Table maps client names to their registered sessions.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*session.Session),
	}
}

// Register binds s under its name and returns the session it replaced, if any.
func (t *Table) Register(s *session.Session) *session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.sessions[s.Name()]
	t.sessions[s.Name()] = s
	return prev
}

// Unregister removes name only while it is still bound to s. It reports
// whether an entry was removed.
func (t *Table) Unregister(name string, s *session.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.sessions[name]; !ok || cur != s {
		return false
	}
	delete(t.sessions, name)
	return true
}

// Lookup returns the session registered under name.
func (t *Table) Lookup(name string) (*session.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[name]
	return s, ok
}

// ForEach calls fn for every registered session. fn runs on a snapshot taken
// under the lock, so it may call back into the table.
func (t *Table) ForEach(fn func(*session.Session)) {
	t.mu.RLock()
	snapshot := make([]*session.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		snapshot = append(snapshot, s)
	}
	t.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// Names returns the registered names, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.sessions))
	for name := range t.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Drain empties the table and returns what it held.
func (t *Table) Drain() []*session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*session.Session, 0, len(t.sessions))
	for name, s := range t.sessions {
		out = append(out, s)
		delete(t.sessions, name)
	}
	return out
}
