// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"time"

	"github.com/absmach/mom/codec"
)

// DefaultHandshakeTimeout bounds how long Accept waits for ClientDetails.
const DefaultHandshakeTimeout = 10 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCodecOptions configures the frame codec of the session.
func WithCodecOptions(opts ...codec.Option) Option {
	return func(s *Session) {
		s.codecOpts = append(s.codecOpts, opts...)
	}
}

// WithHandshakeTimeout bounds the server-side handshake read.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout sets a deadline for every frame written. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.writeTimeout = d
	}
}

// WithDecodeErrorHandler is called for every inbound frame skipped because
// its body could not be decoded.
func WithDecodeErrorHandler(fn func(*Session, error)) Option {
	return func(s *Session) {
		s.onDecodeError = fn
	}
}
