// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp provides the broker's TCP and TLS listener.
package tcp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

// ConnLimiter decides whether a connection from addr may proceed.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP listener configuration.
type Config struct {
	Address        string
	TLSConfig      *tls.Config
	Logger         *slog.Logger
	TCPKeepAlive   time.Duration
	MaxConnections int
	DisableNoDelay bool

	// Limiter, when set, rejects connections before they reach the broker.
	Limiter ConnLimiter

	// OnReject is called for every connection dropped by Limiter.
	OnReject func(addr net.Addr)
}

// Listen binds cfg.Address and returns a listener that applies socket
// options, the optional IP limiter, the connection cap and TLS, in that order.
func Listen(cfg Config) (net.Listener, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	var l net.Listener = &listener{Listener: ln, cfg: cfg}
	if cfg.MaxConnections > 0 {
		l = netutil.LimitListener(l, cfg.MaxConnections)
	}
	if cfg.TLSConfig != nil {
		l = tls.NewListener(l, cfg.TLSConfig)
		cfg.Logger.Info("TLS enabled", slog.String("address", ln.Addr().String()))
	}

	cfg.Logger.Info("TCP listener started",
		slog.String("address", ln.Addr().String()),
		slog.Int("max_connections", cfg.MaxConnections))
	return l, nil
}

type listener struct {
	net.Listener
	cfg Config
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if l.cfg.Limiter != nil && !l.cfg.Limiter.Allow(conn.RemoteAddr()) {
			l.cfg.Logger.Warn("connection rate limited",
				slog.String("remote", conn.RemoteAddr().String()))
			if l.cfg.OnReject != nil {
				l.cfg.OnReject(conn.RemoteAddr())
			}
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := l.configure(tcpConn); err != nil {
				l.cfg.Logger.Error("failed to configure TCP connection",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.String("error", err.Error()))
				conn.Close()
				continue
			}
		}
		return conn, nil
	}
}

// configure sets TCP socket options.
func (l *listener) configure(conn *net.TCPConn) error {
	if l.cfg.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(l.cfg.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !l.cfg.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}
