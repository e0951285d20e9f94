// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeClientConnected      = "client.connected"
	TypeClientDisconnected   = "client.disconnected"
	TypeSessionTakeover      = "client.session_takeover"
	TypeHandshakeFailed      = "client.handshake_failed"
	TypeMessageUndeliverable = "message.undeliverable"
)

// Disconnect reasons.
const (
	ReasonClosed   = "closed"
	ReasonTakeover = "takeover"
	ReasonShutdown = "shutdown"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "client.connected").
	Type() string

	// Destination returns the message destination for message events,
	// empty for others.
	Destination() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ClientConnected is emitted when a client completes its handshake.
type ClientConnected struct {
	ClientName string `json:"client_name"`
	SessionID  string `json:"session_id"`
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientConnected) Type() string                   { return TypeClientConnected }
func (e ClientConnected) Destination() string            { return "" }
func (e ClientConnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ClientDisconnected is emitted when a registered session is dropped.
type ClientDisconnected struct {
	ClientName string `json:"client_name"`
	SessionID  string `json:"session_id"`
	Reason     string `json:"reason"` // "closed", "takeover", "shutdown"
	RemoteAddr string `json:"remote_addr"`
}

func (e ClientDisconnected) Type() string                   { return TypeClientDisconnected }
func (e ClientDisconnected) Destination() string            { return "" }
func (e ClientDisconnected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SessionTakeover is emitted when a handshake claims a name that is
// already registered.
type SessionTakeover struct {
	ClientName      string `json:"client_name"`
	PreviousSession string `json:"previous_session"`
	NewSession      string `json:"new_session"`
	RemoteAddr      string `json:"remote_addr"`
}

func (e SessionTakeover) Type() string                   { return TypeSessionTakeover }
func (e SessionTakeover) Destination() string            { return "" }
func (e SessionTakeover) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// HandshakeFailed is emitted when a connection is discarded before
// registration.
type HandshakeFailed struct {
	RemoteAddr string `json:"remote_addr"`
	Error      string `json:"error"`
}

func (e HandshakeFailed) Type() string                   { return TypeHandshakeFailed }
func (e HandshakeFailed) Destination() string            { return "" }
func (e HandshakeFailed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageUndeliverable is emitted when a message names a destination with no
// registered session.
type MessageUndeliverable struct {
	Source             string `json:"source"`
	MessageDestination string `json:"destination"`
	BodyType           string `json:"body_type"`
}

func (e MessageUndeliverable) Type() string                   { return TypeMessageUndeliverable }
func (e MessageUndeliverable) Destination() string            { return e.MessageDestination }
func (e MessageUndeliverable) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
