// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/message"
)

// Accept runs the server side of the handshake on conn. The first frame must
// be addressed to message.BrokerID and carry message.ClientDetails; its name
// becomes the session name. On failure the stream is closed and the error
// wraps ErrHandshake.
func Accept(ctx context.Context, conn net.Conn, reg *codec.Registry, opts ...Option) (*Session, error) {
	s := New(conn, "", reg, opts...)
	s.state.set(StateAwaitingHandshake)

	name, err := s.readHandshake(ctx)
	if err != nil {
		s.Stop()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	s.name = name
	if !s.state.transition(StateAwaitingHandshake, StateActive) {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, ErrStopped)
	}

	s.logger.Debug("Handshake completed",
		slog.String("session", name),
		slog.String("remote", conn.RemoteAddr().String()))
	return s, nil
}

func (s *Session) readHandshake(ctx context.Context) (string, error) {
	deadline := time.Now().Add(s.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Unix(1, 0))
	})

	msg, _, err := s.codec.ReadMessage(s.reader)
	if !stop() {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}

	if msg.Destination() != message.BrokerID {
		return "", fmt.Errorf("first frame addressed to %q", msg.Destination())
	}
	details, ok := msg.Body().(message.ClientDetails)
	if !ok {
		return "", fmt.Errorf("first frame carries %T, not client details", msg.Body())
	}
	switch details.ClientName {
	case "":
		return "", fmt.Errorf("empty client name")
	case message.Broadcast, message.BrokerID:
		return "", fmt.Errorf("reserved client name %q", details.ClientName)
	}
	return details.ClientName, nil
}
