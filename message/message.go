// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the envelope routed by the broker and the
// reserved destinations of the protocol.
package message

// Reserved destinations.
const (
	// Broadcast addresses every client registered at routing time.
	Broadcast = "ALL"

	// BrokerID addresses the broker itself. It is only valid as the
	// destination of the first frame a client sends.
	BrokerID = "MOM_SERVER"
)

// ClientDetailsType is the type tag of ClientDetails on the wire.
const ClientDetailsType = "mom.ClientDetails"

// Message is an immutable routing envelope: a destination and a typed body.
type Message struct {
	destination string
	body        any
}

// New creates a message for the given destination.
func New(destination string, body any) Message {
	return Message{destination: destination, body: body}
}

// Destination returns the routing key: a client name, Broadcast or BrokerID.
func (m Message) Destination() string {
	return m.destination
}

// Body returns the application payload.
func (m Message) Body() any {
	return m.body
}

// IsBroadcast reports whether the message is addressed to all clients.
func (m Message) IsBroadcast() bool {
	return m.destination == Broadcast
}

// Raw is a body the local registry has no type for. It carries the wire
// type tag and encoded payload so the broker can relay it unchanged.
type Raw struct {
	Type    string
	Payload []byte
}

// ClientDetails identifies a connecting client. It is sent exactly once,
// as the first frame of every client session, addressed to BrokerID.
type ClientDetails struct {
	ClientName string `json:"client_name" msgpack:"client_name"`
}

// Handshake builds the identification message a client sends on connect.
func Handshake(clientName string) Message {
	return New(BrokerID, ClientDetails{ClientName: clientName})
}
