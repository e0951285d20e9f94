// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"github.com/absmach/mom/message"
)

// messageQueue is the unbounded outbound FIFO of a session.
// The writer waits on ready instead of polling.
type messageQueue struct {
	mu       sync.Mutex
	messages []message.Message
	closed   bool
	ready    chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		messages: make([]message.Message, 0),
		ready:    make(chan struct{}, 1),
	}
}

// enqueue appends msg. Returns false once the queue is closed.
func (q *messageQueue) enqueue(msg message.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.messages = append(q.messages, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// dequeue removes and returns the first message.
func (q *messageQueue) dequeue() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message.Message{}, false
	}

	msg := q.messages[0]
	q.messages[0] = message.Message{}
	q.messages = q.messages[1:]
	if len(q.messages) == 0 {
		q.messages = q.messages[:0:0]
	}
	return msg, true
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// close rejects further messages and discards the queued ones.
// Returns the number discarded.
func (q *messageQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.messages)
	q.messages = nil
	return n
}
