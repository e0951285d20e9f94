// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"time"

	"github.com/absmach/mom/message"
)

// inbound is a message waiting for the routing worker. source is empty for
// messages the broker sends itself.
type inbound struct {
	msg      message.Message
	source   string
	received time.Time
}

// inbox is the unbounded FIFO feeding the routing worker.
type inbox struct {
	mu     sync.Mutex
	items  []inbound
	closed bool
	ready  chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

// push appends item. It returns false once the inbox is closed.
func (q *inbox) push(item inbound) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
	return true
}

// pop blocks until an item is available. After close it keeps returning the
// remaining items, then false.
func (q *inbox) pop() (inbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = inbound{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return inbound{}, false
		}
		<-q.ready
	}
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops new pushes; queued items are still drained by pop.
func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
