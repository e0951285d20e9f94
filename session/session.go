// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session implements the duplex message session shared by the broker
// and its clients: one goroutine reads frames from the stream, another drains
// an unbounded FIFO onto it.
package session

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/message"
	"github.com/google/uuid"
)

// Session errors.
var (
	ErrHandshake = errors.New("handshake failed")
	ErrStopped   = errors.New("session stopped")
)

// ReceiveFunc handles a decoded inbound message. It runs on the inbound
// goroutine; a blocking handler stalls reads for this session only.
type ReceiveFunc func(*Session, message.Message)

// DroppedFunc is called exactly once after both session loops have exited.
type DroppedFunc func(*Session)

// Session is a duplex connection carrying framed messages.
type Session struct {
	id     string
	name   string
	conn   net.Conn
	reader *bufio.Reader
	codec  *codec.Codec
	logger *slog.Logger

	codecOpts        []codec.Option
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	onDecodeError    func(*Session, error)

	state *stateManager
	queue *messageQueue

	mu        sync.Mutex
	started   bool
	stopped   bool
	onReceive ReceiveFunc
	onDropped DroppedFunc

	// inCallback is set while onReceive, onDecodeError or onDropped runs.
	inCallback atomic.Bool

	wg     sync.WaitGroup
	stopCh chan struct{}
	done   chan struct{}
}

// New wraps conn in a session named name. Bodies are encoded and decoded
// through reg.
func New(conn net.Conn, name string, reg *codec.Registry, opts ...Option) *Session {
	s := &Session{
		id:               uuid.NewString(),
		name:             name,
		conn:             conn,
		reader:           bufio.NewReader(conn),
		logger:           slog.Default(),
		handshakeTimeout: DefaultHandshakeTimeout,
		state:            newStateManager(),
		queue:            newMessageQueue(),
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codec = codec.NewCodec(reg, s.codecOpts...)
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Name returns the client name bound to the session.
func (s *Session) Name() string {
	return s.name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state.get()
}

// RemoteAddr returns the peer address of the stream.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Pending returns the number of queued outbound messages.
func (s *Session) Pending() int {
	return s.queue.len()
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start launches the inbound and outbound goroutines. Calling it more than
// once, or after Stop, has no effect.
func (s *Session) Start(onReceive ReceiveFunc, onDropped DroppedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true
	s.onReceive = onReceive
	s.onDropped = onDropped
	s.state.transition(StateConnected, StateActive)

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go s.monitor()
}

// Enqueue appends msg to the outbound FIFO without blocking.
// It returns false, dropping msg, once the session is stopping.
func (s *Session) Enqueue(msg message.Message) bool {
	if !s.state.accepting() {
		return false
	}
	return s.queue.enqueue(msg)
}

// Stop tears the session down and waits until both loops have exited and the
// drop callback has returned. It is idempotent. Called from one of the
// session's own callbacks it only initiates teardown.
func (s *Session) Stop() {
	done := s.StopAsync()
	if s.inCallback.Load() {
		return
	}
	<-done
}

// StopAsync initiates teardown without waiting and returns the Done channel.
// Code running on the session's own goroutines must use it instead of Stop.
func (s *Session) StopAsync() <-chan struct{} {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return s.done
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.state.transitionFrom(StateStopping, StateConnected, StateAwaitingHandshake, StateActive)
	close(s.stopCh)
	if n := s.queue.close(); n > 0 {
		s.logger.Debug("Discarded queued messages",
			slog.String("session", s.name),
			slog.Int("count", n))
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Close stream failed",
			slog.String("session", s.name),
			slog.String("error", err.Error()))
	}

	if !started {
		s.finish()
	}
	return s.done
}

func (s *Session) monitor() {
	s.wg.Wait()
	s.finish()
}

func (s *Session) finish() {
	if s.onDropped != nil {
		s.callback(func() { s.onDropped(s) })
	}
	s.state.set(StateStopped)
	close(s.done)
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		msg, _, err := s.codec.ReadMessage(s.reader)
		if err != nil {
			if s.state.stopping() {
				return
			}
			if errors.Is(err, codec.ErrDecode) {
				s.logger.Warn("Dropping undecodable frame",
					slog.String("session", s.name),
					slog.String("error", err.Error()))
				if s.onDecodeError != nil {
					s.callback(func() { s.onDecodeError(s, err) })
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				s.logger.Debug("Peer closed stream", slog.String("session", s.name))
			} else {
				s.logger.Warn("Read failed",
					slog.String("session", s.name),
					slog.String("error", err.Error()))
			}
			s.StopAsync()
			return
		}

		if s.onReceive != nil {
			s.callback(func() { s.onReceive(s, msg) })
		}
	}
}

func (s *Session) callback(fn func()) {
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	fn()
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.queue.ready:
		}

		for {
			select {
			case <-s.stopCh:
				return
			default:
			}

			msg, ok := s.queue.dequeue()
			if !ok {
				break
			}
			if err := s.write(msg); err != nil {
				if errors.Is(err, codec.ErrEncode) {
					s.logger.Error("Dropping unencodable message",
						slog.String("session", s.name),
						slog.String("destination", msg.Destination()),
						slog.String("error", err.Error()))
					continue
				}
				if !s.state.stopping() {
					s.logger.Warn("Write failed",
						slog.String("session", s.name),
						slog.String("error", err.Error()))
					s.StopAsync()
				}
				return
			}
		}
	}
}

func (s *Session) write(msg message.Message) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.codec.WriteMessage(s.conn, msg)
	return err
}
