// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mom/broker"
	"github.com/absmach/mom/broker/webhook"
	"github.com/absmach/mom/codec"
	"github.com/absmach/mom/config"
	"github.com/absmach/mom/ratelimit"
	"github.com/absmach/mom/server/health"
	"github.com/absmach/mom/server/otel"
	"github.com/absmach/mom/server/tcp"
	"github.com/absmach/mom/server/websocket"
	"github.com/absmach/mom/storage"
	"github.com/absmach/mom/storage/badger"
	"github.com/absmach/mom/storage/memory"
	"github.com/urfave/cli/v3"
	gootel "go.opentelemetry.io/otel"
)

var version = "0.1.0"

type flags struct {
	config   string
	addr     string
	logLevel string
	mock     bool
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:    "mom-broker",
		Usage:   "Message-oriented middleware broker",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to the YAML configuration file",
				Sources:     cli.EnvVars("MOM_CONFIG"),
				Destination: &f.config,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "TCP listen address, overrides server.tcp_addr",
				Sources:     cli.EnvVars("MOM_ADDR"),
				Destination: &f.addr,
			},
			&cli.BoolFlag{
				Name:        "mock",
				Usage:       "record client messages instead of routing them",
				Sources:     cli.EnvVars("MOM_MOCK"),
				Destination: &f.mock,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error), overrides log.level",
				Sources:     cli.EnvVars("MOM_LOG_LEVEL"),
				Destination: &f.logLevel,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, c, f)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("Broker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command, f *flags) error {
	cfg, err := config.Load(f.config)
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.Server.TCPAddr = f.addr
	}
	if c.IsSet("mock") {
		cfg.Broker.Mock = f.mock
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("Starting MOM broker", slog.String("version", version))
	logger.Info("Configuration loaded",
		slog.String("broker_id", cfg.Broker.ID),
		slog.String("tcp_addr", cfg.Server.TCPAddr),
		slog.Bool("ws_enabled", cfg.Server.WSEnabled),
		slog.Bool("mock", cfg.Broker.Mock),
		slog.String("codec", cfg.Broker.Codec),
		slog.String("log_level", cfg.Log.Level))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	marshaler, err := codec.MarshalerByName(cfg.Broker.Codec)
	if err != nil {
		return err
	}
	reg := codec.NewRegistry(marshaler)

	opts := []broker.Option{broker.WithLogger(logger)}
	if cfg.Broker.Mock {
		captures, err := newCaptureStore(cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer captures.Close()
		opts = append(opts, broker.WithCaptureStore(captures))
	}

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, cfg.Broker.ID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				logger.Error("Failed to shut down OpenTelemetry", slog.String("error", err.Error()))
			}
		}()

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			opts = append(opts, broker.WithMetrics(m))
		}
		if cfg.Server.OtelTracesEnabled {
			opts = append(opts, broker.WithTracer(gootel.Tracer("mom-broker")))
		}
		logger.Info("OpenTelemetry enabled", slog.String("endpoint", cfg.Server.MetricsAddr))
	}

	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.ID, webhook.NewHTTPSender(nil), logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		defer n.Close()
		opts = append(opts, broker.WithNotifier(n))
		logger.Info("Webhooks enabled", slog.Int("endpoints", len(cfg.Webhook.Endpoints)))
	}

	if cfg.Broker.ClientMessageRate > 0 {
		opts = append(opts, broker.WithClientRateLimiter(
			ratelimit.NewClientRateLimiter(cfg.Broker.ClientMessageRate, cfg.Broker.ClientMessageBurst)))
	}

	b := broker.New(broker.Config{
		ID:                   cfg.Broker.ID,
		Mock:                 cfg.Broker.Mock,
		HandshakeTimeout:     cfg.Broker.HandshakeTimeout,
		WriteTimeout:         cfg.Server.WriteTimeout,
		MaxFrameSize:         cfg.Broker.MaxFrameSize,
		Compression:          cfg.Broker.Compression,
		CompressionThreshold: cfg.Broker.CompressionThreshold,
	}, reg, opts...)
	defer b.Stop()

	onReject := func(addr net.Addr) {
		b.Stats().IncrementConnectionsRejected()
		logger.Debug("Connection rate limited", slog.String("remote_addr", addr.String()))
	}

	var ipLimiter *ratelimit.IPRateLimiter
	if cfg.Broker.ConnectionRate > 0 {
		ipLimiter = ratelimit.NewIPRateLimiter(cfg.Broker.ConnectionRate, cfg.Broker.ConnectionBurst, ratelimit.DefaultCleanupInterval)
		defer ipLimiter.Stop()
	}

	var tlsCfg *tls.Config
	if cfg.Server.TLSEnabled {
		tlsCfg, err = tcp.LoadTLSConfig(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile, cfg.Server.TLSCAFile, cfg.Server.TLSClientAuth)
		if err != nil {
			return err
		}
	}

	if cfg.Server.TCPAddr != "" {
		tcpCfg := tcp.Config{
			Address:        cfg.Server.TCPAddr,
			TLSConfig:      tlsCfg,
			Logger:         logger,
			TCPKeepAlive:   cfg.Server.TCPKeepAlive,
			MaxConnections: cfg.Server.TCPMaxConn,
			OnReject:       onReject,
		}
		if ipLimiter != nil {
			tcpCfg.Limiter = ipLimiter
		}
		l, err := tcp.Listen(tcpCfg)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.TCPAddr, err)
		}
		go serve(b, l, logger)
	}

	if cfg.Server.WSEnabled {
		wsCfg := websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			TLSConfig:       tlsCfg,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			OnReject:        onReject,
		}
		if ipLimiter != nil {
			wsCfg.Limiter = ipLimiter
		}
		ws, err := websocket.Listen(wsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.WSAddr, err)
		}
		go serve(b, ws, logger)
		logger.Info("WebSocket listener started", slog.String("address", ws.Addr().String()), slog.String("path", cfg.Server.WSPath))
	}

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		go func() {
			if err := hs.Listen(ctx); err != nil {
				logger.Error("Health server failed", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("MOM broker started", slog.String("broker_id", cfg.Broker.ID))

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-b.Done():
		return errors.New("broker stopped unexpectedly")
	}

	b.Stop()
	logger.Info("MOM broker stopped")
	return nil
}

func serve(b *broker.Broker, l net.Listener, logger *slog.Logger) {
	if err := b.Serve(l); err != nil {
		logger.Error("Listener failed", slog.String("address", l.Addr().String()), slog.String("error", err.Error()))
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func newCaptureStore(cfg config.StorageConfig, logger *slog.Logger) (storage.CaptureStore, error) {
	switch cfg.Type {
	case "badger":
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB storage: %w", err)
		}
		logger.Info("Using BadgerDB capture storage", slog.String("dir", cfg.BadgerDir))
		return s, nil
	default:
		logger.Info("Using in-memory capture storage")
		return memory.NewCaptureStore(), nil
	}
}
