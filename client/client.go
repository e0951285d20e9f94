// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client connects application code to a broker. Handlers subscribe
// to body types; messages are sent by destination name or to
// message.Broadcast.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"

	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/message"
	"github.com/absmach/mom/server/websocket"
	"github.com/absmach/mom/session"
)

// Client is a connected broker client. There is no reconnect: once the
// session drops, the client is stopped.
type Client struct {
	opts    *Options
	reg     *codec.Registry
	session *session.Session
	subs    *subscriptions
	logger  *slog.Logger

	stopping atomic.Bool
}

// New validates opts, dials the broker, queues the handshake and starts the
// session. Dial failures wrap ErrConnect.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	conn, err := dial(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c := &Client{
		opts:   opts,
		reg:    opts.Registry,
		subs:   newSubscriptions(),
		logger: opts.Logger,
	}

	var codecOpts []codec.Option
	if opts.MaxFrameSize > 0 {
		codecOpts = append(codecOpts, codec.WithMaxFrameSize(opts.MaxFrameSize))
	}
	if opts.Compression {
		codecOpts = append(codecOpts, codec.WithCompression(opts.CompressionThreshold))
	}

	c.session = session.New(conn, opts.ClientName, c.reg,
		session.WithLogger(c.logger),
		session.WithCodecOptions(codecOpts...),
		session.WithWriteTimeout(opts.WriteTimeout))

	// The handshake is the first queued message, so it is the first frame
	// on the wire.
	c.session.Enqueue(message.Handshake(opts.ClientName))
	c.session.Start(c.onReceive, c.onDropped)

	c.logger.Info("Connected to broker",
		slog.String("client", opts.ClientName),
		slog.String("server", opts.Server))
	return c, nil
}

func dial(ctx context.Context, opts *Options) (net.Conn, error) {
	if strings.HasPrefix(opts.Server, "ws://") || strings.HasPrefix(opts.Server, "wss://") {
		return websocket.Dial(ctx, opts.Server, opts.TLSConfig)
	}

	d := &net.Dialer{}
	if opts.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: d, Config: opts.TLSConfig}
		return td.DialContext(ctx, "tcp", opts.Server)
	}
	return d.DialContext(ctx, "tcp", opts.Server)
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.opts.ClientName
}

// Registry returns the body type registry.
func (c *Client) Registry() *codec.Registry {
	return c.reg
}

// State returns the session state.
func (c *Client) State() session.State {
	return c.session.State()
}

// Subscribe registers fn for bodies of type T. T must be registered in the
// client's registry.
func Subscribe[T any](c *Client, fn func(T)) error {
	if fn == nil {
		return ErrNilHandler
	}
	tag, ok := codec.TagFor[T](c.reg)
	if !ok {
		var zero T
		return fmt.Errorf("%w: %T", codec.ErrUnregisteredType, zero)
	}

	return c.SubscribeTag(tag, func(msg message.Message) {
		v, err := codec.As[T](c.reg, msg.Body())
		if err != nil {
			c.logger.Error("Subscriber type mismatch",
				slog.String("tag", tag),
				slog.String("error", err.Error()))
			return
		}
		fn(v)
	})
}

// SubscribeTag registers h for bodies with the given type tag.
func (c *Client) SubscribeTag(tag string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if !c.reg.Known(tag) {
		return fmt.Errorf("%w: %s", codec.ErrUnregisteredType, tag)
	}
	c.subs.add(tag, h)
	return nil
}

// SendMessage queues body for destination. The body is encoded when it is
// written, by value, so a caller may modify and resend the same value.
func (c *Client) SendMessage(destination string, body any) error {
	if c.stopping.Load() {
		return ErrClientStopped
	}
	if _, ok := c.reg.TagOf(body); !ok {
		return fmt.Errorf("%w: %T", codec.ErrUnregisteredType, body)
	}
	if !c.session.Enqueue(message.New(destination, body)) {
		return ErrClientStopped
	}
	return nil
}

func (c *Client) onReceive(_ *session.Session, msg message.Message) {
	tag, _ := c.reg.TagOf(msg.Body())
	handlers := c.subs.get(tag)
	if len(handlers) == 0 {
		c.logger.Debug("No subscriber for message",
			slog.String("client", c.Name()),
			slog.String("tag", tag))
		return
	}

	for _, h := range handlers {
		c.dispatch(h, msg)
	}
}

func (c *Client) dispatch(h Handler, msg message.Message) {
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Subscriber panicked",
					slog.String("client", c.Name()),
					slog.String("destination", msg.Destination()),
					slog.Any("panic", r))
			}
		}()
		h(msg)
	}

	if c.opts.Dispatcher != nil {
		c.opts.Dispatcher.Invoke(run)
		return
	}
	run()
}

func (c *Client) onDropped(_ *session.Session) {
	if c.stopping.Swap(true) {
		c.logger.Info("Client stopped", slog.String("client", c.Name()))
		return
	}

	c.logger.Warn("Connection to broker lost", slog.String("client", c.Name()))
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(ErrConnectionLost)
	}
}

// Stop closes the session and waits for its loops to exit. It is
// idempotent. Called from a subscriber handler running on the inbound
// goroutine it returns without waiting.
func (c *Client) Stop() {
	c.stopping.Store(true)
	c.session.Stop()
}

// StopAsync begins stopping without waiting and returns Done.
func (c *Client) StopAsync() <-chan struct{} {
	c.stopping.Store(true)
	return c.session.StopAsync()
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.session.Done()
}
