// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	handshakeFailures   metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesDelivered   metric.Int64Counter
	undeliverable       metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	fanout        metric.Int64Histogram
	routeDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("mom-broker"),
	}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"mom.connections.total",
		metric.WithDescription("Total number of registered client sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"mom.disconnections.total",
		metric.WithDescription("Total number of dropped client sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.handshakeFailures, err = m.meter.Int64Counter(
		"mom.handshake.failures.total",
		metric.WithDescription("Connections discarded before registration"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshakeFailures counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"mom.messages.received.total",
		metric.WithDescription("Total messages received from clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"mom.messages.delivered.total",
		metric.WithDescription("Total messages queued to client sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.undeliverable, err = m.meter.Int64Counter(
		"mom.messages.undeliverable.total",
		metric.WithDescription("Messages dropped for an unknown destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create undeliverable counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"mom.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mom.connections.current",
		metric.WithDescription("Current number of registered client sessions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.fanout, err = m.meter.Int64Histogram(
		"mom.route.fanout",
		metric.WithDescription("Sessions reached per routed message"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanout histogram: %w", err)
	}

	m.routeDuration, err = m.meter.Float64Histogram(
		"mom.route.duration.ms",
		metric.WithDescription("Time from receipt to routing in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routeDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a registered session.
func (m *Metrics) RecordConnection(transport string) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a dropped session.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) RecordHandshakeFailure() {
	m.handshakeFailures.Add(context.Background(), 1)
}

// RecordMessageReceived records a message read from a client.
func (m *Metrics) RecordMessageReceived(bodyType string) {
	m.messagesReceived.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("body_type", bodyType),
	))
}

// RecordRouted records one routed message and how many sessions it reached.
func (m *Metrics) RecordRouted(broadcast bool, delivered int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.Bool("broadcast", broadcast))
	m.messagesDelivered.Add(ctx, int64(delivered), attrs)
	m.fanout.Record(ctx, int64(delivered), attrs)
}

func (m *Metrics) RecordUndeliverable() {
	m.undeliverable.Add(context.Background(), 1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordRouteDuration records queueing plus routing time of one message.
func (m *Metrics) RecordRouteDuration(durationMs float64) {
	m.routeDuration.Record(context.Background(), durationMs)
}
