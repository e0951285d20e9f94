// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/absmach/mom/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	require.NoError(t, Register[ping](r, "test.Ping"))
	require.NoError(t, RegisterWith[status](r, "test.Status", Msgpack))
	require.NoError(t, RegisterProto[*wrapperspb.StringValue](r))
	return r
}

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(newTestRegistry(t))

	msgs := []message.Message{
		message.Handshake("alice"),
		message.New("bob", ping{Seq: 1}),
		message.New(message.Broadcast, status{OK: true, Detail: "ready"}),
		message.New("", wrapperspb.String("no destination")),
	}

	var buf bytes.Buffer
	written := 0
	for _, m := range msgs {
		n, err := c.WriteMessage(&buf, m)
		require.NoError(t, err)
		written += n
	}
	assert.Equal(t, written, buf.Len())

	for _, want := range msgs {
		got, _, err := c.ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Destination(), got.Destination())
		if pb, ok := want.Body().(*wrapperspb.StringValue); ok {
			sv, ok := got.Body().(*wrapperspb.StringValue)
			require.True(t, ok)
			assert.Equal(t, pb.GetValue(), sv.GetValue())
			continue
		}
		assert.Equal(t, want.Body(), got.Body())
	}

	_, _, err := c.ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCodecOverPipe(t *testing.T) {
	c := NewCodec(newTestRegistry(t))
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WriteMessage(a, message.New("bob", ping{Seq: 42}))
		errCh <- err
	}()

	got, _, err := c.ReadMessage(b)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, "bob", got.Destination())
	assert.Equal(t, ping{Seq: 42}, got.Body())
}

func TestCodecBodyIsCopiedByValue(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, Register[*status](r, "test.StatusPtr"))
	c := NewCodec(r)
	body := &status{OK: true, Detail: "before"}

	var buf bytes.Buffer
	_, err := c.WriteMessage(&buf, message.New("x", body))
	require.NoError(t, err)
	body.Detail = "after"

	got, _, err := c.ReadMessage(&buf)
	require.NoError(t, err)
	decoded, ok := got.Body().(*status)
	require.True(t, ok)
	assert.Equal(t, "before", decoded.Detail)
}

func TestCodecUnknownTagIsRecoverable(t *testing.T) {
	sender := NewCodec(newTestRegistry(t))
	receiver := NewCodec(NewRegistry(nil))

	var buf bytes.Buffer
	_, err := sender.WriteMessage(&buf, message.New("bob", ping{Seq: 1}))
	require.NoError(t, err)
	_, err = sender.WriteMessage(&buf, message.Handshake("carol"))
	require.NoError(t, err)

	_, _, err = receiver.ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrDecode)

	got, _, err := receiver.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, message.ClientDetails{ClientName: "carol"}, got.Body())
}

func TestCodecPassthrough(t *testing.T) {
	sender := NewCodec(newTestRegistry(t))
	relay := NewCodec(NewRegistry(nil), WithPassthrough())
	receiver := NewCodec(newTestRegistry(t))

	var in bytes.Buffer
	_, err := sender.WriteMessage(&in, message.New("bob", ping{Seq: 9}))
	require.NoError(t, err)

	relayed, _, err := relay.ReadMessage(&in)
	require.NoError(t, err)
	raw, ok := relayed.Body().(message.Raw)
	require.True(t, ok)
	assert.Equal(t, "test.Ping", raw.Type)

	var out bytes.Buffer
	_, err = relay.WriteMessage(&out, relayed)
	require.NoError(t, err)

	got, _, err := receiver.ReadMessage(&out)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Destination())
	assert.Equal(t, ping{Seq: 9}, got.Body())
}

func TestCodecCompression(t *testing.T) {
	reg := newTestRegistry(t)
	c := NewCodec(reg, WithCompression(64))
	plain := NewCodec(reg)

	detail := strings.Repeat("compressible ", 500)
	msg := message.New("bob", status{OK: true, Detail: detail})

	var compressed, uncompressed bytes.Buffer
	_, err := c.WriteMessage(&compressed, msg)
	require.NoError(t, err)
	_, err = plain.WriteMessage(&uncompressed, msg)
	require.NoError(t, err)
	assert.Less(t, compressed.Len(), uncompressed.Len())

	// Readers handle the flag regardless of their own write settings.
	got, _, err := plain.ReadMessage(&compressed)
	require.NoError(t, err)
	assert.Equal(t, status{OK: true, Detail: detail}, got.Body())
}

func TestCodecFrameTooLarge(t *testing.T) {
	c := NewCodec(newTestRegistry(t), WithMaxFrameSize(128))

	var buf bytes.Buffer
	_, err := c.WriteMessage(&buf, message.New("bob", status{Detail: strings.Repeat("x", 256)}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, ErrEncode)
	assert.Zero(t, buf.Len())

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<20)
	_, _, err = c.ReadMessage(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.NotErrorIs(t, err, ErrDecode)
}

func TestCodecMalformedFrames(t *testing.T) {
	c := NewCodec(newTestRegistry(t))

	frame := func(body []byte) []byte {
		out := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
		return append(out, body...)
	}

	var missingTag []byte
	missingTag = protowire.AppendTag(missingTag, fieldDestination, protowire.BytesType)
	missingTag = protowire.AppendString(missingTag, "bob")

	tests := []struct {
		name string
		data []byte
	}{
		{"empty frame", frame(nil)},
		{"garbage envelope", frame([]byte{0xff, 0xff, 0xff})},
		{"missing type tag", frame(missingTag)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.ReadMessage(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestCodecTruncatedStream(t *testing.T) {
	c := NewCodec(newTestRegistry(t))

	var buf bytes.Buffer
	_, err := c.WriteMessage(&buf, message.New("bob", ping{Seq: 1}))
	require.NoError(t, err)

	truncated := buf.Bytes()[:buf.Len()-2]
	_, _, err = c.ReadMessage(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrDecode)
}

func TestCodecUnregisteredBody(t *testing.T) {
	c := NewCodec(NewRegistry(nil))

	var buf bytes.Buffer
	_, err := c.WriteMessage(&buf, message.New("bob", ping{Seq: 1}))
	assert.ErrorIs(t, err, ErrUnregisteredType)
	assert.ErrorIs(t, err, ErrEncode)
}
