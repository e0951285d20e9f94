// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker counters.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections    atomic.Uint64
	currentConnections  atomic.Uint64
	disconnections      atomic.Uint64
	handshakeFailures   atomic.Uint64
	takeovers           atomic.Uint64
	connectionsRejected atomic.Uint64

	// Message stats
	messagesReceived  atomic.Uint64
	messagesRouted    atomic.Uint64
	messagesDelivered atomic.Uint64
	undeliverable     atomic.Uint64
	captured          atomic.Uint64

	// Error stats
	decodeErrors atomic.Uint64
	rateLimited  atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) IncrementHandshakeFailures() {
	s.handshakeFailures.Add(1)
}

func (s *Stats) IncrementTakeovers() {
	s.takeovers.Add(1)
}

func (s *Stats) IncrementConnectionsRejected() {
	s.connectionsRejected.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() uint64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

func (s *Stats) GetHandshakeFailures() uint64 {
	return s.handshakeFailures.Load()
}

func (s *Stats) GetTakeovers() uint64 {
	return s.takeovers.Load()
}

func (s *Stats) GetConnectionsRejected() uint64 {
	return s.connectionsRejected.Load()
}

// Message tracking.
func (s *Stats) IncrementMessagesReceived() {
	s.messagesReceived.Add(1)
}

func (s *Stats) IncrementMessagesRouted() {
	s.messagesRouted.Add(1)
}

// AddMessagesDelivered counts messages placed on session queues.
func (s *Stats) AddMessagesDelivered(n uint64) {
	s.messagesDelivered.Add(n)
}

func (s *Stats) IncrementUndeliverable() {
	s.undeliverable.Add(1)
}

func (s *Stats) IncrementCaptured() {
	s.captured.Add(1)
}

func (s *Stats) GetMessagesReceived() uint64 {
	return s.messagesReceived.Load()
}

func (s *Stats) GetMessagesRouted() uint64 {
	return s.messagesRouted.Load()
}

func (s *Stats) GetMessagesDelivered() uint64 {
	return s.messagesDelivered.Load()
}

func (s *Stats) GetUndeliverable() uint64 {
	return s.undeliverable.Load()
}

func (s *Stats) GetCaptured() uint64 {
	return s.captured.Load()
}

// Error tracking.
func (s *Stats) IncrementDecodeErrors() {
	s.decodeErrors.Add(1)
}

func (s *Stats) IncrementRateLimited() {
	s.rateLimited.Add(1)
}

func (s *Stats) GetDecodeErrors() uint64 {
	return s.decodeErrors.Load()
}

func (s *Stats) GetRateLimited() uint64 {
	return s.rateLimited.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime              string `json:"uptime"`
	TotalConnections    uint64 `json:"total_connections"`
	CurrentConnections  uint64 `json:"current_connections"`
	Disconnections      uint64 `json:"disconnections"`
	HandshakeFailures   uint64 `json:"handshake_failures"`
	Takeovers           uint64 `json:"takeovers"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	MessagesReceived    uint64 `json:"messages_received"`
	MessagesRouted      uint64 `json:"messages_routed"`
	MessagesDelivered   uint64 `json:"messages_delivered"`
	Undeliverable       uint64 `json:"undeliverable"`
	Captured            uint64 `json:"captured"`
	DecodeErrors        uint64 `json:"decode_errors"`
	RateLimited         uint64 `json:"rate_limited"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:              s.GetUptime().Truncate(time.Second).String(),
		TotalConnections:    s.GetTotalConnections(),
		CurrentConnections:  s.GetCurrentConnections(),
		Disconnections:      s.GetDisconnections(),
		HandshakeFailures:   s.GetHandshakeFailures(),
		Takeovers:           s.GetTakeovers(),
		ConnectionsRejected: s.GetConnectionsRejected(),
		MessagesReceived:    s.GetMessagesReceived(),
		MessagesRouted:      s.GetMessagesRouted(),
		MessagesDelivered:   s.GetMessagesDelivered(),
		Undeliverable:       s.GetUndeliverable(),
		Captured:            s.GetCaptured(),
		DecodeErrors:        s.GetDecodeErrors(),
		RateLimited:         s.GetRateLimited(),
	}
}
