// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker accepts named client sessions and routes messages between
// them by destination name or broadcast.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mom/broker/events"
	"github.com/absmach/mom/broker/webhook"
	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/message"
	"github.com/absmach/mom/server/otel"
	"github.com/absmach/mom/session"
	"github.com/absmach/mom/storage"
	"github.com/absmach/mom/storage/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Broker errors.
var (
	ErrUnknownDestination = errors.New("unknown destination")
	ErrBrokerStopped      = errors.New("broker stopped")
	ErrNotMock            = errors.New("broker is not in mock mode")
)

// Config holds broker settings.
type Config struct {
	// ID identifies the broker in webhook envelopes.
	ID string

	// Mock records messages received from clients instead of routing them.
	// Messages sent through SendMessage are still routed.
	Mock bool

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	MaxFrameSize         int
	Compression          bool
	CompressionThreshold int
}

// Broker owns the routing table, the accept loops and the routing worker.
type Broker struct {
	cfg   Config
	reg   *codec.Registry
	table *Table
	inbox *inbox

	logger      *slog.Logger
	stats       *Stats
	metrics     *otel.Metrics // nil if metrics disabled
	tracer      trace.Tracer  // nil if tracing disabled
	captures    storage.CaptureStore
	webhooks    webhook.Notifier  // nil if webhooks disabled
	rateLimiter ClientRateLimiter // nil if rate limiting disabled

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	stopping  bool

	acceptWG  sync.WaitGroup
	routeDone chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a broker and starts its routing worker. Bodies are decoded
// through reg; tags it does not know are relayed unchanged.
func New(cfg Config, reg *codec.Registry, opts ...Option) *Broker {
	if reg == nil {
		reg = codec.NewRegistry(codec.JSON)
	}
	if cfg.ID == "" {
		cfg.ID = "mom"
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:       cfg,
		reg:       reg,
		table:     NewTable(),
		inbox:     newInbox(),
		logger:    slog.Default(),
		stats:     NewStats(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		routeDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cfg.Mock && b.captures == nil {
		b.captures = memory.NewCaptureStore()
	}

	go b.routeLoop()

	b.logger.Info("Broker started",
		slog.String("id", cfg.ID),
		slog.Bool("mock", cfg.Mock))
	return b
}

// Registry returns the body registry used by the broker.
func (b *Broker) Registry() *codec.Registry {
	return b.reg
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Clients returns the names of registered clients, sorted.
func (b *Broker) Clients() []string {
	return b.table.Names()
}

// Running reports whether the broker has not begun stopping.
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.stopping
}

// Done is closed when Stop has completed.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Listen binds a plain TCP listener on addr and serves it in the background.
func (b *Broker) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if !b.trackListener(l) {
		l.Close()
		return ErrBrokerStopped
	}
	go b.serve(l)
	return nil
}

// Serve accepts connections from l until the broker stops. Each connection
// is handshaken on its own goroutine. An accept failure while running is
// fatal to the broker. Several listeners may be served at once.
func (b *Broker) Serve(l net.Listener) error {
	if !b.trackListener(l) {
		l.Close()
		return ErrBrokerStopped
	}
	return b.serve(l)
}

// Addrs returns the addresses of all served listeners.
func (b *Broker) Addrs() []net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()

	addrs := make([]net.Addr, 0, len(b.listeners))
	for l := range b.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (b *Broker) trackListener(l net.Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopping {
		return false
	}
	b.listeners[l] = struct{}{}
	b.acceptWG.Add(1)
	return true
}

// trackHandshake reserves a slot in the accept wait group for one handshake.
func (b *Broker) trackHandshake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopping {
		return false
	}
	b.acceptWG.Add(1)
	return true
}

func (b *Broker) serve(l net.Listener) error {
	defer b.acceptWG.Done()
	defer func() {
		b.mu.Lock()
		delete(b.listeners, l)
		b.mu.Unlock()
	}()

	b.logger.Info("Accepting connections",
		slog.String("network", l.Addr().Network()),
		slog.String("address", l.Addr().String()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if !b.Running() {
				return nil
			}
			b.logger.Error("Accept failed, stopping broker",
				slog.String("address", l.Addr().String()),
				slog.String("error", err.Error()))
			go b.Stop()
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}

		if !b.trackHandshake() {
			conn.Close()
			return nil
		}
		go b.handshake(conn)
	}
}

func (b *Broker) handshake(conn net.Conn) {
	defer b.acceptWG.Done()

	remote := conn.RemoteAddr().String()
	s, err := session.Accept(b.ctx, conn, b.reg, b.sessionOptions()...)
	if err != nil {
		if !b.Running() {
			return
		}
		b.stats.IncrementHandshakeFailures()
		if b.metrics != nil {
			b.metrics.RecordHandshakeFailure()
		}
		b.logger.Warn("Handshake failed",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		b.notify(events.HandshakeFailed{RemoteAddr: remote, Error: err.Error()})
		return
	}

	b.register(s)
}

func (b *Broker) sessionOptions() []session.Option {
	codecOpts := []codec.Option{codec.WithPassthrough()}
	if b.cfg.MaxFrameSize > 0 {
		codecOpts = append(codecOpts, codec.WithMaxFrameSize(b.cfg.MaxFrameSize))
	}
	if b.cfg.Compression {
		codecOpts = append(codecOpts, codec.WithCompression(b.cfg.CompressionThreshold))
	}

	return []session.Option{
		session.WithLogger(b.logger),
		session.WithCodecOptions(codecOpts...),
		session.WithHandshakeTimeout(b.cfg.HandshakeTimeout),
		session.WithWriteTimeout(b.cfg.WriteTimeout),
		session.WithDecodeErrorHandler(b.onDecodeError),
	}
}

// register makes s routable. A session already bound to the same name is
// superseded and stopped.
func (b *Broker) register(s *session.Session) {
	if !b.Running() {
		s.Stop()
		return
	}

	remote := s.RemoteAddr().String()
	if prev := b.table.Register(s); prev != nil {
		b.stats.IncrementTakeovers()
		b.logger.Info("Session takeover",
			slog.String("client", s.Name()),
			slog.String("previous", prev.ID()),
			slog.String("session", s.ID()))
		b.notify(events.SessionTakeover{
			ClientName:      s.Name(),
			PreviousSession: prev.ID(),
			NewSession:      s.ID(),
			RemoteAddr:      remote,
		})
		prev.StopAsync()
	}

	b.stats.IncrementConnections()
	if b.metrics != nil {
		b.metrics.RecordConnection(s.RemoteAddr().Network())
	}
	b.logger.Info("Client connected",
		slog.String("client", s.Name()),
		slog.String("session", s.ID()),
		slog.String("remote", remote))
	b.notify(events.ClientConnected{
		ClientName: s.Name(),
		SessionID:  s.ID(),
		RemoteAddr: remote,
	})

	s.Start(b.onReceive, b.onDropped)
}

func (b *Broker) onReceive(s *session.Session, msg message.Message) {
	b.stats.IncrementMessagesReceived()
	if b.metrics != nil {
		tag, _ := b.reg.TagOf(msg.Body())
		b.metrics.RecordMessageReceived(tag)
	}

	if b.rateLimiter != nil && !b.rateLimiter.Allow(s.Name()) {
		b.stats.IncrementRateLimited()
		if b.metrics != nil {
			b.metrics.RecordError("rate_limited")
		}
		b.logger.Warn("Client rate limited, dropping message",
			slog.String("client", s.Name()),
			slog.String("destination", msg.Destination()))
		return
	}

	if !b.inbox.push(inbound{msg: msg, source: s.Name(), received: time.Now()}) {
		b.logger.Debug("Broker stopping, dropping message",
			slog.String("client", s.Name()),
			slog.String("destination", msg.Destination()))
	}
}

func (b *Broker) onDecodeError(s *session.Session, err error) {
	b.stats.IncrementDecodeErrors()
	if b.metrics != nil {
		b.metrics.RecordError("decode")
	}
}

// onDropped runs once per registered session after both of its loops exit.
func (b *Broker) onDropped(s *session.Session) {
	reason := events.ReasonClosed
	switch {
	case b.table.Unregister(s.Name(), s):
		if b.rateLimiter != nil {
			b.rateLimiter.Remove(s.Name())
		}
	case !b.Running():
		reason = events.ReasonShutdown
	default:
		if cur, ok := b.table.Lookup(s.Name()); ok && cur != s {
			reason = events.ReasonTakeover
		} else {
			b.logger.Error("Dropped session was not registered",
				slog.String("client", s.Name()),
				slog.String("session", s.ID()))
		}
	}

	b.stats.DecrementConnections()
	if b.metrics != nil {
		b.metrics.RecordDisconnection(reason)
	}
	b.logger.Info("Client disconnected",
		slog.String("client", s.Name()),
		slog.String("session", s.ID()),
		slog.String("reason", reason))
	b.notify(events.ClientDisconnected{
		ClientName: s.Name(),
		SessionID:  s.ID(),
		Reason:     reason,
		RemoteAddr: s.RemoteAddr().String(),
	})
}

// SendMessage queues a message from the broker itself. It takes the same
// routing path as client messages, and is routed in mock mode too.
func (b *Broker) SendMessage(destination string, body any) error {
	if _, ok := b.reg.TagOf(body); !ok {
		return fmt.Errorf("%w: %T", codec.ErrUnregisteredType, body)
	}
	if !b.inbox.push(inbound{msg: message.New(destination, body), received: time.Now()}) {
		return ErrBrokerStopped
	}
	return nil
}

func (b *Broker) routeLoop() {
	defer close(b.routeDone)

	for {
		in, ok := b.inbox.pop()
		if !ok {
			return
		}
		if b.cfg.Mock && in.source != "" {
			b.capture(in)
			continue
		}
		if err := b.routeOne(in); err != nil {
			b.undeliverable(in, err)
		}
	}
}

// routeOne delivers one message: to every registered session for a
// broadcast, otherwise to the session registered under the destination.
func (b *Broker) routeOne(in inbound) (err error) {
	msg := in.msg
	if b.tracer != nil {
		_, span := b.tracer.Start(b.ctx, "broker.route", trace.WithAttributes(
			attribute.String("mom.destination", msg.Destination()),
			attribute.String("mom.source", in.source),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}
	if b.metrics != nil {
		defer func() {
			b.metrics.RecordRouteDuration(float64(time.Since(in.received).Microseconds()) / 1000)
		}()
	}

	if msg.IsBroadcast() {
		var n int
		b.table.ForEach(func(s *session.Session) {
			if s.Enqueue(msg) {
				n++
			}
		})
		b.delivered(true, n)
		return nil
	}

	s, ok := b.table.Lookup(msg.Destination())
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDestination, msg.Destination())
	}
	n := 0
	if s.Enqueue(msg) {
		n = 1
	}
	b.delivered(false, n)
	return nil
}

func (b *Broker) delivered(broadcast bool, n int) {
	b.stats.IncrementMessagesRouted()
	b.stats.AddMessagesDelivered(uint64(n))
	if b.metrics != nil {
		b.metrics.RecordRouted(broadcast, n)
	}
}

func (b *Broker) undeliverable(in inbound, err error) {
	b.stats.IncrementUndeliverable()
	if b.metrics != nil {
		b.metrics.RecordUndeliverable()
	}

	tag, _ := b.reg.TagOf(in.msg.Body())
	b.logger.Warn("Dropping undeliverable message",
		slog.String("source", in.source),
		slog.String("body_type", tag),
		slog.String("error", err.Error()))
	b.notify(events.MessageUndeliverable{
		Source:             in.source,
		MessageDestination: in.msg.Destination(),
		BodyType:           tag,
	})
}

func (b *Broker) notify(e events.Event) {
	if b.webhooks == nil {
		return
	}
	if err := b.webhooks.Notify(context.Background(), e); err != nil {
		b.logger.Debug("Webhook notify failed",
			slog.String("event", e.Type()),
			slog.String("error", err.Error()))
	}
}

// Stop shuts the broker down: listeners and pending handshakes first, then
// the routing worker after it drains, then every registered session. It is
// idempotent and safe from any goroutine except a session callback.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopping = true
		listeners := make([]net.Listener, 0, len(b.listeners))
		for l := range b.listeners {
			listeners = append(listeners, l)
		}
		b.mu.Unlock()

		b.logger.Info("Broker stopping",
			slog.Int("clients", b.table.Len()),
			slog.Int("pending", b.inbox.len()))

		b.cancel()
		for _, l := range listeners {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				b.logger.Warn("Close listener failed",
					slog.String("address", l.Addr().String()),
					slog.String("error", err.Error()))
			}
		}
		b.acceptWG.Wait()

		b.inbox.close()
		<-b.routeDone

		var wg sync.WaitGroup
		for _, s := range b.table.Drain() {
			wg.Add(1)
			go func(s *session.Session) {
				defer wg.Done()
				<-s.StopAsync()
			}(s)
		}
		wg.Wait()

		close(b.done)
		b.logger.Info("Broker stopped")
	})
	<-b.done
}
