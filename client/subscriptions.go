// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"sync"

	"github.com/absmach/mom/message"
)

// Handler receives a message whose body carries the subscribed type tag.
type Handler func(msg message.Message)

// subscriptions maps type tags to their handlers.
type subscriptions struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		handlers: make(map[string][]Handler),
	}
}

func (s *subscriptions) add(tag string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[tag] = append(s.handlers[tag], h)
}

// get returns a snapshot of the handlers for tag.
func (s *subscriptions) get(tag string) []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := s.handlers[tag]
	if len(hs) == 0 {
		return nil
	}
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}
