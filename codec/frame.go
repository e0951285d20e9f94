// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/absmach/mom/internal/bufpool"
	"github.com/absmach/mom/message"
	"github.com/klauspost/compress/s2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frame errors.
var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = fmt.Errorf("%w: empty frame", ErrDecode)
	ErrEncode        = errors.New("encode error")
)

// Defaults.
const (
	DefaultMaxFrameSize         = 1024 * 1024
	DefaultCompressionThreshold = 4096
)

const headerLen = 4

// Envelope field numbers.
const (
	fieldDestination protowire.Number = 1
	fieldType        protowire.Number = 2
	fieldPayload     protowire.Number = 3
	fieldFlags       protowire.Number = 4
)

const flagCompressed = 1 << 0

// Codec reads and writes length-delimited message frames.
//
// A frame is a 4-byte big-endian length followed by a protobuf-wire envelope
// holding the destination, the body type tag, the body payload and flags.
type Codec struct {
	reg          *Registry
	maxFrameSize int
	compress     bool
	threshold    int
	passthrough  bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxFrameSize bounds the size of a single frame in both directions.
func WithMaxFrameSize(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// WithCompression compresses payloads larger than threshold with s2.
func WithCompression(threshold int) Option {
	return func(c *Codec) {
		c.compress = true
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

// WithPassthrough makes unknown type tags decode to message.Raw instead of
// failing. Relays use it so they do not need every application type.
func WithPassthrough() Option {
	return func(c *Codec) {
		c.passthrough = true
	}
}

// NewCodec creates a frame codec backed by reg.
func NewCodec(reg *Registry, opts ...Option) *Codec {
	c := &Codec{
		reg:          reg,
		maxFrameSize: DefaultMaxFrameSize,
		threshold:    DefaultCompressionThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the type registry used for bodies.
func (c *Codec) Registry() *Registry {
	return c.reg
}

// WriteMessage encodes msg by value and writes it as one frame.
// Failures that happen before anything is written wrap ErrEncode.
func (c *Codec) WriteMessage(w io.Writer, msg message.Message) (int, error) {
	tag, payload, err := c.reg.Encode(msg.Body())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	var flags uint64
	if c.compress && len(payload) > c.threshold {
		payload = s2.Encode(nil, payload)
		flags |= flagCompressed
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	b := buf.AvailableBuffer()
	b = append(b, 0, 0, 0, 0)
	b = protowire.AppendTag(b, fieldDestination, protowire.BytesType)
	b = protowire.AppendString(b, msg.Destination())
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, tag)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	if flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, flags)
	}

	size := len(b) - headerLen
	if size > c.maxFrameSize {
		return 0, fmt.Errorf("%w: %w: %d > %d", ErrEncode, ErrFrameTooLarge, size, c.maxFrameSize)
	}
	binary.BigEndian.PutUint32(b[:headerLen], uint32(size))
	buf.Write(b)

	return w.Write(buf.Bytes())
}

// ReadMessage reads one frame and decodes it.
//
// Errors wrapping ErrDecode leave the stream aligned on the next frame and
// may be skipped. Any other error means the stream is unusable.
func (c *Codec) ReadMessage(r io.Reader) (message.Message, int, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return message.Message{}, 0, err
	}

	size := int(binary.BigEndian.Uint32(header[:]))
	if size == 0 {
		return message.Message{}, headerLen, ErrEmptyFrame
	}
	if size > c.maxFrameSize {
		return message.Message{}, headerLen, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, c.maxFrameSize)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return message.Message{}, headerLen, err
	}
	n := headerLen + size

	msg, err := c.decodeEnvelope(frame)
	return msg, n, err
}

func (c *Codec) decodeEnvelope(b []byte) (message.Message, error) {
	var (
		dest, tag string
		payload   []byte
		flags     uint64
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return message.Message{}, fmt.Errorf("%w: envelope: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDestination && typ == protowire.BytesType:
			dest, n = protowire.ConsumeString(b)
		case num == fieldType && typ == protowire.BytesType:
			tag, n = protowire.ConsumeString(b)
		case num == fieldPayload && typ == protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		case num == fieldFlags && typ == protowire.VarintType:
			flags, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return message.Message{}, fmt.Errorf("%w: envelope field %d: %v", ErrDecode, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if tag == "" {
		return message.Message{}, fmt.Errorf("%w: missing type tag", ErrDecode)
	}

	if flags&flagCompressed != 0 {
		size, err := s2.DecodedLen(payload)
		if err != nil {
			return message.Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if size > c.maxFrameSize {
			return message.Message{}, fmt.Errorf("%w: decompressed payload %d > %d", ErrDecode, size, c.maxFrameSize)
		}
		if payload, err = s2.Decode(nil, payload); err != nil {
			return message.Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}

	if c.passthrough && !c.reg.Known(tag) {
		return message.New(dest, message.Raw{Type: tag, Payload: payload}), nil
	}

	body, err := c.reg.Decode(tag, payload)
	if err != nil {
		return message.Message{}, err
	}
	return message.New(dest, body), nil
}
