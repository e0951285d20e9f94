// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/message"
	"github.com/absmach/mom/storage"
)

// capture records in as the latest message of its body type.
func (b *Broker) capture(in inbound) {
	tag, payload, err := b.reg.Encode(in.msg.Body())
	if err != nil {
		b.logger.Error("Capture encode failed",
			slog.String("source", in.source),
			slog.String("error", err.Error()))
		return
	}

	c := &storage.Capture{
		Tag:         tag,
		Destination: in.msg.Destination(),
		Source:      in.source,
		Payload:     payload,
		ReceivedAt:  in.received,
	}
	if err := b.captures.Put(context.Background(), c); err != nil {
		b.logger.Error("Capture store failed",
			slog.String("body_type", tag),
			slog.String("error", err.Error()))
		return
	}
	b.stats.IncrementCaptured()
	b.logger.Debug("Captured message",
		slog.String("source", in.source),
		slog.String("body_type", tag))
}

// LastReceived returns the most recent message with body type tag received
// in mock mode. Bodies of tags unknown to the broker's registry come back as
// message.Raw. It returns ErrNotMock outside mock mode and
// storage.ErrNotFound when nothing was captured.
func (b *Broker) LastReceived(tag string) (message.Message, error) {
	if !b.cfg.Mock || b.captures == nil {
		return message.Message{}, ErrNotMock
	}

	c, err := b.captures.Get(context.Background(), tag)
	if err != nil {
		return message.Message{}, err
	}

	if !b.reg.Known(tag) {
		return message.New(c.Destination, message.Raw{Type: tag, Payload: c.Payload}), nil
	}
	body, err := b.reg.Decode(tag, c.Payload)
	if err != nil {
		return message.Message{}, err
	}
	return message.New(c.Destination, body), nil
}

// LastReceivedOf is the typed form of LastReceived. T must be registered in
// the broker's registry.
func LastReceivedOf[T any](b *Broker) (T, error) {
	var zero T
	tag, ok := codec.TagFor[T](b.reg)
	if !ok {
		return zero, fmt.Errorf("%w: %T", codec.ErrUnregisteredType, zero)
	}

	msg, err := b.LastReceived(tag)
	if err != nil {
		return zero, err
	}
	return codec.As[T](b.reg, msg.Body())
}
