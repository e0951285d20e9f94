// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker lifecycle and routing events to HTTP
// endpoints without blocking the routing path.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/mom/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery (non-blocking).
	Notify(ctx context.Context, event events.Event) error

	// Close gracefully shuts down, flushing pending events.
	Close() error
}

// Sender is the transport-specific sender interface.
type Sender interface {
	// Send delivers a webhook payload to url.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
