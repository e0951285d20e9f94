// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"

	"github.com/absmach/mom/broker/webhook"
	"github.com/absmach/mom/server/otel"
	"github.com/absmach/mom/storage"
	"go.opentelemetry.io/otel/trace"
)

// ClientRateLimiter limits inbound messages per client name.
type ClientRateLimiter interface {
	Allow(client string) bool
	Remove(client string)
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithStats shares a Stats instance, e.g. with the health server.
func WithStats(s *Stats) Option {
	return func(b *Broker) {
		if s != nil {
			b.stats = s
		}
	}
}

// WithMetrics records broker activity on OpenTelemetry instruments.
func WithMetrics(m *otel.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithTracer emits a span per routed message.
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) {
		b.tracer = t
	}
}

// WithCaptureStore sets where mock mode records received messages.
// Without it a mock broker keeps them in memory.
func WithCaptureStore(s storage.CaptureStore) Option {
	return func(b *Broker) {
		b.captures = s
	}
}

// WithNotifier sends lifecycle and routing events to n.
func WithNotifier(n webhook.Notifier) Option {
	return func(b *Broker) {
		b.webhooks = n
	}
}

// WithClientRateLimiter drops inbound messages of clients over their rate.
func WithClientRateLimiter(l ClientRateLimiter) Option {
	return func(b *Broker) {
		b.rateLimiter = l
	}
}
