// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/absmach/mom/broker"
	"github.com/absmach/mom/client"
	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/server/health"
	"github.com/absmach/mom/server/tcp"
	"github.com/absmach/mom/server/websocket"
	"github.com/absmach/mom/testutil"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// testNode is a broker with its listeners, started on loopback ports.
type testNode struct {
	Broker     *broker.Broker
	TCPAddr    string
	WSURL      string
	HealthAddr string
	Marshaler  codec.Marshaler
	ClientTLS  *tls.Config
}

type nodeConfig struct {
	broker    broker.Config
	marshaler codec.Marshaler
	opts      []broker.Option
	tls       bool
	websocket bool
	health    bool
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func startNode(t *testing.T, cfg nodeConfig) *testNode {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if cfg.marshaler == nil {
		cfg.marshaler = codec.JSON
	}
	logger := quietLogger()

	opts := append([]broker.Option{broker.WithLogger(logger)}, cfg.opts...)
	b := broker.New(cfg.broker, testutil.Registry(t, cfg.marshaler), opts...)
	t.Cleanup(b.Stop)

	node := &testNode{Broker: b, Marshaler: cfg.marshaler}

	tcpCfg := tcp.Config{
		Address: "127.0.0.1:0",
		Logger:  logger,
		OnReject: func(_ net.Addr) {
			b.Stats().IncrementConnectionsRejected()
		},
	}
	if cfg.tls {
		certs := testutil.GenerateCerts(t)
		serverTLS, err := tcp.LoadTLSConfig(certs.ServerCertFile, certs.ServerKeyFile, certs.CAFile, "none")
		require.NoError(t, err)
		tcpCfg.TLSConfig = serverTLS
		node.ClientTLS = testutil.ClientTLSConfig(t, certs, false)
	}
	l, err := tcp.Listen(tcpCfg)
	require.NoError(t, err)
	go b.Serve(l)
	node.TCPAddr = l.Addr().String()

	if cfg.websocket {
		ws, err := websocket.Listen(websocket.Config{Address: "127.0.0.1:0"}, logger)
		require.NoError(t, err)
		go b.Serve(ws)
		node.WSURL = fmt.Sprintf("ws://%s/mom", ws.Addr().String())
	}

	if cfg.health {
		hs := health.New(health.Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, b, logger)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go hs.Listen(ctx)
		require.Eventually(t, func() bool { return hs.Addr() != "" }, waitFor, tick)
		node.HealthAddr = hs.Addr()
	}

	return node
}

// connect starts a client named name against server and waits until the
// broker has registered it.
func (n *testNode) connect(t *testing.T, server, name string, opts ...func(*client.Options)) *client.Client {
	t.Helper()

	o := client.NewOptions().
		SetServer(server).
		SetClientName(name).
		SetRegistry(testutil.Registry(t, n.Marshaler)).
		SetLogger(quietLogger())
	if n.ClientTLS != nil && server == n.TCPAddr {
		o.SetTLSConfig(n.ClientTLS)
	}
	for _, opt := range opts {
		opt(o)
	}

	c, err := client.New(o)
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool {
		return slices.Contains(n.Broker.Clients(), name)
	}, waitFor, tick)
	return c
}
