// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket carries broker frames over WebSocket binary messages.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is negotiated on every upgrade.
const Subprotocol = "mom.v1"

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("websocket listener closed")

// ConnLimiter decides whether a connection from addr may be upgraded.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds WebSocket listener settings.
type Config struct {
	Address         string
	Path            string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration

	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
	Limiter        ConnLimiter
	OnReject       func(addr net.Addr)
}

// Server is a net.Listener whose connections are upgraded WebSocket streams.
// The broker serves it exactly like a TCP listener.
type Server struct {
	config   Config
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Listen binds cfg.Address and starts accepting upgrades on cfg.Path.
func Listen(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mom"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	if cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		listener: ln,
		conns:    make(chan net.Conn),
		done:     make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket_server_error", slog.String("error", err.Error()))
			s.Close()
		}
	}()

	s.logger.Info("websocket_server_started",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", cfg.Path),
		slog.Bool("tls", cfg.TLSConfig != nil))
	return s, nil
}

// Accept waits for the next upgraded connection.
func (s *Server) Accept() (net.Conn, error) {
	select {
	case conn := <-s.conns:
		return conn, nil
	case <-s.done:
		return nil, ErrListenerClosed
	}
}

// Close stops accepting upgrades and shuts the HTTP server down. Connections
// already handed out through Accept are owned by the caller.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			s.closeErr = err
		}
		s.logger.Info("websocket_server_stopped")
	})
	return s.closeErr
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remote := &wsAddr{addr: r.RemoteAddr}
	if s.config.Limiter != nil && !s.config.Limiter.Allow(remote) {
		s.logger.Warn("websocket_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		if s.config.OnReject != nil {
			s.config.OnReject(remote)
		}
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	conn := newConn(ws, remote)
	select {
	case s.conns <- conn:
	case <-s.done:
		conn.Close()
	}
}

// Dial opens a client WebSocket connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
		Subprotocols:     []string{Subprotocol},
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newConn(ws, ws.RemoteAddr()), nil
}

// wsAddr implements net.Addr for WebSocket connections.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
