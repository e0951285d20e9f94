// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mom/broker/events"
	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/message"
	"github.com/absmach/mom/session"
	"github.com/absmach/mom/storage"
	"github.com/absmach/mom/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type ping struct {
	Seq int `json:"seq"`
}

type status struct {
	OK bool `json:"ok"`
}

func appRegistry(t *testing.T) *codec.Registry {
	t.Helper()
	r := codec.NewRegistry(codec.JSON)
	require.NoError(t, codec.Register[ping](r, "test.Ping"))
	require.NoError(t, codec.Register[status](r, "test.Status"))
	return r
}

func startBroker(t *testing.T, cfg Config, reg *codec.Registry, opts ...Option) (*Broker, string) {
	t.Helper()

	b := New(cfg, reg, opts...)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go b.Serve(l)
	t.Cleanup(b.Stop)
	return b, l.Addr().String()
}

type testClient struct {
	s        *session.Session
	received chan message.Message
}

// connect dials the broker, sends the handshake and waits until name is
// registered.
func connect(t *testing.T, b *Broker, addr, name string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	tc := &testClient{
		s:        session.New(conn, name, appRegistry(t)),
		received: make(chan message.Message, 256),
	}
	tc.s.Enqueue(message.Handshake(name))
	tc.s.Start(func(_ *session.Session, msg message.Message) {
		tc.received <- msg
	}, nil)
	t.Cleanup(tc.s.Stop)

	require.Eventually(t, func() bool {
		return slices.Contains(b.Clients(), name)
	}, waitFor, tick)
	return tc
}

func (tc *testClient) send(destination string, body any) {
	tc.s.Enqueue(message.New(destination, body))
}

func (tc *testClient) expect(t *testing.T) message.Message {
	t.Helper()
	select {
	case msg := <-tc.received:
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a message")
		return message.Message{}
	}
}

func (tc *testClient) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-tc.received:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type())
	}
	return out
}

func TestRouteToDestination(t *testing.T) {
	b, addr := startBroker(t, Config{}, nil)
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	a.send("B", ping{Seq: 1})

	msg := c.expect(t)
	assert.Equal(t, "B", msg.Destination())
	assert.Equal(t, ping{Seq: 1}, msg.Body())
	a.expectNone(t)
}

func TestRouteFIFO(t *testing.T) {
	b, addr := startBroker(t, Config{}, nil)
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	const n = 200
	for i := range n {
		a.send("B", ping{Seq: i})
	}
	for i := range n {
		assert.Equal(t, ping{Seq: i}, c.expect(t).Body())
	}
}

func TestBroadcast(t *testing.T) {
	b, addr := startBroker(t, Config{}, nil)
	names := []string{"A", "B", "C"}
	clients := make([]*testClient, 0, len(names))
	for _, name := range names {
		clients = append(clients, connect(t, b, addr, name))
	}

	clients[0].send(message.Broadcast, ping{Seq: 7})

	for _, tc := range clients {
		msg := tc.expect(t)
		assert.True(t, msg.IsBroadcast())
		assert.Equal(t, ping{Seq: 7}, msg.Body())
	}
	for _, tc := range clients {
		tc.expectNone(t)
	}

	assert.Eventually(t, func() bool {
		return b.Stats().GetMessagesDelivered() == 3
	}, waitFor, tick)
}

func TestUnknownDestination(t *testing.T) {
	notifier := &recordingNotifier{}
	b, addr := startBroker(t, Config{}, nil, WithNotifier(notifier))
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	a.send("nobody", ping{Seq: 1})
	a.send("B", ping{Seq: 2})

	assert.Equal(t, ping{Seq: 2}, c.expect(t).Body())
	assert.Equal(t, uint64(1), b.Stats().GetUndeliverable())
	assert.Contains(t, notifier.types(), events.TypeMessageUndeliverable)
	assert.True(t, b.Running())
}

func TestRouteOneUnknownDestination(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Stop()

	err := b.routeOne(inbound{msg: message.New("ghost", message.ClientDetails{}), received: time.Now()})
	assert.ErrorIs(t, err, ErrUnknownDestination)

	err = b.routeOne(inbound{msg: message.New(message.Broadcast, message.ClientDetails{}), received: time.Now()})
	assert.NoError(t, err, "broadcast to an empty table is not an error")
}

func TestRelaysUnknownTypes(t *testing.T) {
	// The broker registry only knows ClientDetails.
	b, addr := startBroker(t, Config{}, codec.NewRegistry(codec.Msgpack))
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	a.send("B", status{OK: true})
	assert.Equal(t, status{OK: true}, c.expect(t).Body())
}

func TestInvalidHandshake(t *testing.T) {
	cases := []struct {
		desc string
		msg  message.Message
	}{
		{"wrong destination", message.New("B", message.ClientDetails{ClientName: "A"})},
		{"wrong body", message.New(message.BrokerID, ping{Seq: 1})},
		{"empty name", message.Handshake("")},
		{"reserved name", message.Handshake(message.Broadcast)},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			notifier := &recordingNotifier{}
			b, addr := startBroker(t, Config{}, nil, WithNotifier(notifier))

			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()

			_, err = codec.NewCodec(appRegistry(t)).WriteMessage(conn, tc.msg)
			require.NoError(t, err)

			conn.SetReadDeadline(time.Now().Add(waitFor))
			_, err = conn.Read(make([]byte, 1))
			assert.ErrorIs(t, err, io.EOF, "broker should close the stream")

			assert.Empty(t, b.Clients())
			assert.Eventually(t, func() bool {
				return b.Stats().GetHandshakeFailures() == 1
			}, waitFor, tick)
			assert.Contains(t, notifier.types(), events.TypeHandshakeFailed)
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	b, addr := startBroker(t, Config{HandshakeTimeout: 50 * time.Millisecond}, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, b.Clients())
}

func TestSessionTakeover(t *testing.T) {
	notifier := &recordingNotifier{}
	b, addr := startBroker(t, Config{}, nil, WithNotifier(notifier))
	first := connect(t, b, addr, "A")
	peer := connect(t, b, addr, "B")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	second := &testClient{
		s:        session.New(conn, "A", appRegistry(t)),
		received: make(chan message.Message, 16),
	}
	second.s.Enqueue(message.Handshake("A"))
	second.s.Start(func(_ *session.Session, msg message.Message) { second.received <- msg }, nil)
	t.Cleanup(second.s.Stop)

	select {
	case <-first.s.Done():
	case <-time.After(waitFor):
		t.Fatal("superseded session was not closed")
	}

	peer.send("A", ping{Seq: 9})
	assert.Equal(t, ping{Seq: 9}, second.expect(t).Body())
	assert.Equal(t, []string{"A", "B"}, b.Clients())
	assert.Equal(t, uint64(1), b.Stats().GetTakeovers())

	require.Eventually(t, func() bool {
		return slices.Contains(notifier.types(), events.TypeClientDisconnected)
	}, waitFor, tick)
	assert.Contains(t, notifier.types(), events.TypeSessionTakeover)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	b, addr := startBroker(t, Config{}, nil)
	a := connect(t, b, addr, "A")
	connect(t, b, addr, "B")

	a.s.Stop()

	assert.Eventually(t, func() bool {
		return slices.Equal(b.Clients(), []string{"B"})
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		return b.Stats().GetCurrentConnections() == 1
	}, waitFor, tick)
}

func TestDecodeErrorSkipsFrame(t *testing.T) {
	b, addr := startBroker(t, Config{}, nil)
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	// A known tag with a corrupt payload fails to decode on the broker.
	a.send("B", message.Raw{Type: message.ClientDetailsType, Payload: []byte("{not json")})
	a.send("B", ping{Seq: 3})

	assert.Equal(t, ping{Seq: 3}, c.expect(t).Body())
	assert.Equal(t, uint64(1), b.Stats().GetDecodeErrors())
}

type allowN struct {
	mu      sync.Mutex
	left    int
	removed []string
}

func (l *allowN) Allow(string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left == 0 {
		return false
	}
	l.left--
	return true
}

func (l *allowN) Remove(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, client)
}

func TestClientRateLimit(t *testing.T) {
	limiter := &allowN{left: 2}
	b, addr := startBroker(t, Config{}, nil, WithClientRateLimiter(limiter))
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	for i := range 5 {
		a.send("B", ping{Seq: i})
	}

	assert.Equal(t, ping{Seq: 0}, c.expect(t).Body())
	assert.Equal(t, ping{Seq: 1}, c.expect(t).Body())
	c.expectNone(t)
	assert.Equal(t, uint64(3), b.Stats().GetRateLimited())

	a.s.Stop()
	assert.Eventually(t, func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return slices.Contains(limiter.removed, "A")
	}, waitFor, tick)
}

func TestSendMessage(t *testing.T) {
	b, addr := startBroker(t, Config{}, appRegistry(t))
	a := connect(t, b, addr, "A")

	require.NoError(t, b.SendMessage("A", ping{Seq: 5}))
	assert.Equal(t, ping{Seq: 5}, a.expect(t).Body())

	err := b.SendMessage("A", struct{}{})
	assert.ErrorIs(t, err, codec.ErrUnregisteredType)

	b.Stop()
	assert.ErrorIs(t, b.SendMessage("A", ping{}), ErrBrokerStopped)
}

func TestMockCapture(t *testing.T) {
	b, addr := startBroker(t, Config{Mock: true}, appRegistry(t))
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	_, err := LastReceivedOf[status](b)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	a.send("B", status{OK: true})
	require.Eventually(t, func() bool {
		st, err := LastReceivedOf[status](b)
		return err == nil && st.OK
	}, waitFor, tick)
	c.expectNone(t)

	a.send("B", status{OK: false})
	require.Eventually(t, func() bool {
		st, err := LastReceivedOf[status](b)
		return err == nil && !st.OK
	}, waitFor, tick)

	msg, err := b.LastReceived("test.Status")
	require.NoError(t, err)
	assert.Equal(t, "B", msg.Destination())
	assert.Equal(t, status{OK: false}, msg.Body())
	assert.Eventually(t, func() bool {
		return b.Stats().GetCaptured() == 2
	}, waitFor, tick)
}

func TestMockCaptureUnknownTag(t *testing.T) {
	b, addr := startBroker(t, Config{Mock: true}, nil)
	a := connect(t, b, addr, "A")

	a.send("X", ping{Seq: 4})

	var msg message.Message
	require.Eventually(t, func() bool {
		var err error
		msg, err = b.LastReceived("test.Ping")
		return err == nil
	}, waitFor, tick)

	raw, ok := msg.Body().(message.Raw)
	require.True(t, ok)
	assert.Equal(t, "test.Ping", raw.Type)

	p, err := codec.As[ping](appRegistry(t), raw)
	require.NoError(t, err)
	assert.Equal(t, ping{Seq: 4}, p)
}

func TestMockRoutesBrokerMessages(t *testing.T) {
	b, addr := startBroker(t, Config{Mock: true}, appRegistry(t))
	a := connect(t, b, addr, "A")

	require.NoError(t, b.SendMessage("A", ping{Seq: 1}))
	assert.Equal(t, ping{Seq: 1}, a.expect(t).Body())
	a.expectNone(t)
}

func TestLastReceivedNotMock(t *testing.T) {
	b := New(Config{}, appRegistry(t))
	defer b.Stop()

	_, err := b.LastReceived("test.Status")
	assert.ErrorIs(t, err, ErrNotMock)
}

func TestLastReceivedNotMockWithStore(t *testing.T) {
	b, addr := startBroker(t, Config{}, appRegistry(t), WithCaptureStore(memory.NewCaptureStore()))
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	a.send("B", status{OK: true})
	c.expect(t)

	_, err := b.LastReceived("test.Status")
	assert.ErrorIs(t, err, ErrNotMock)
	assert.Zero(t, b.Stats().GetCaptured())
}

func TestListen(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Stop()

	require.NoError(t, b.Listen("127.0.0.1:0"))
	addrs := b.Addrs()
	require.Len(t, addrs, 1)

	connect(t, b, addrs[0].String(), "A")
	assert.Equal(t, []string{"A"}, b.Clients())
}

func TestStop(t *testing.T) {
	notifier := &recordingNotifier{}
	b, addr := startBroker(t, Config{}, nil, WithNotifier(notifier))
	a := connect(t, b, addr, "A")
	c := connect(t, b, addr, "B")

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Stop()
		}()
	}
	wg.Wait()
	b.Stop()

	assert.False(t, b.Running())
	assert.Empty(t, b.Clients())
	for _, tc := range []*testClient{a, c} {
		select {
		case <-tc.s.Done():
		case <-time.After(waitFor):
			t.Fatal("client session not closed by broker stop")
		}
	}

	_, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
	assert.ErrorIs(t, b.Listen("127.0.0.1:0"), ErrBrokerStopped)
}

func TestStopWithPendingHandshake(t *testing.T) {
	b, addr := startBroker(t, Config{HandshakeTimeout: time.Minute}, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return len(b.Addrs()) == 1
	}, waitFor, tick)

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop blocked on a pending handshake")
	}
}

type failingListener struct {
	net.Listener
}

func (l failingListener) Accept() (net.Conn, error) {
	return nil, errors.New("accept exploded")
}

func TestAcceptFailureStopsBroker(t *testing.T) {
	b := New(Config{}, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	err = b.Serve(failingListener{l})
	assert.Error(t, err)

	select {
	case <-b.Done():
	case <-time.After(waitFor):
		t.Fatal("broker did not stop after accept failure")
	}
}
