// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/message"
)

// Default values.
const (
	DefaultServer         = "localhost:7070"
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

// Options configures the client.
type Options struct {
	// Connection
	Server         string        // host:port, or a ws:// or wss:// URL
	ClientName     string        // Name announced to the broker
	TLSConfig      *tls.Config   // TLS configuration (nil for plain TCP)
	ConnectTimeout time.Duration // Timeout for the dial
	WriteTimeout   time.Duration // Timeout for each frame written (0 to disable)

	// Wire
	Registry             *codec.Registry // Body types (nil = JSON registry with ClientDetails only)
	MaxFrameSize         int
	Compression          bool
	CompressionThreshold int

	// Dispatch
	Dispatcher Dispatcher // Runs subscriber handlers (nil = inbound goroutine)

	// Callbacks
	OnConnectionLost func(error) // Called when the broker drops the session

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Server:         DefaultServer,
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// SetServer sets the broker address.
func (o *Options) SetServer(server string) *Options {
	o.Server = server
	return o
}

// SetClientName sets the name announced in the handshake.
func (o *Options) SetClientName(name string) *Options {
	o.ClientName = name
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetWriteTimeout sets the per-frame write timeout.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetRegistry sets the body type registry.
func (o *Options) SetRegistry(r *codec.Registry) *Options {
	o.Registry = r
	return o
}

// SetCompression compresses bodies larger than threshold bytes.
func (o *Options) SetCompression(threshold int) *Options {
	o.Compression = true
	o.CompressionThreshold = threshold
	return o
}

// SetDispatcher sets the hook that runs subscriber handlers.
func (o *Options) SetDispatcher(d Dispatcher) *Options {
	o.Dispatcher = d
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetLogger sets the client logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for errors and fills in defaults.
func (o *Options) Validate() error {
	if o.Server == "" {
		return ErrNoServer
	}
	switch o.ClientName {
	case "":
		return ErrEmptyClientName
	case message.Broadcast, message.BrokerID:
		return ErrReservedName
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Registry == nil {
		o.Registry = codec.NewRegistry(codec.JSON)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
