// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mom/broker/events"
	"github.com/absmach/mom/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu       sync.Mutex
	count    atomic.Int32
	sendFunc func(ctx context.Context, url string) error
	payloads [][]byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string) error { return nil },
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.count.Add(1)
	m.mu.Lock()
	m.payloads = append(m.payloads, payload)
	m.mu.Unlock()
	return m.sendFunc(ctx, url)
}

func (m *mockSender) sent() int {
	return int(m.count.Load())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	cfg := config.Default().Webhook
	cfg.QueueSize = 100
	cfg.Workers = 2
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Defaults.Retry.MaxAttempts = 1
	cfg.Endpoints = endpoints
	return cfg
}

func endpointFor(name string) config.WebhookEndpoint {
	return config.WebhookEndpoint{Name: name, Type: "http", URL: "http://example.com/" + name}
}

func TestNewNotifier(t *testing.T) {
	n, err := NewNotifier(testConfig(endpointFor("audit")), "mom-1", newMockSender(), testLogger())
	require.NoError(t, err)
	defer n.Close()

	assert.Len(t, n.endpoints, 1)
	assert.Contains(t, n.breakers, "audit")
}

func TestNewNotifierNilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "mom-1", nil, nil)
	assert.Error(t, err)
}

func TestNotifierDelivers(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(endpointFor("audit")), "mom-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	err = n.Notify(context.Background(), events.ClientConnected{ClientName: "alice", RemoteAddr: "10.0.0.1:4000"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.sent() == 1 }, time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	payload := sender.payloads[0]
	sender.mu.Unlock()

	var env map[string]any
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, events.TypeClientConnected, env["event_type"])
	assert.Equal(t, "mom-1", env["broker_id"])
}

func TestNotifierEventFilter(t *testing.T) {
	ep := endpointFor("audit")
	ep.Events = []string{events.TypeClientConnected}

	sender := newMockSender()
	n, err := NewNotifier(testConfig(ep), "mom-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(context.Background(), events.ClientConnected{ClientName: "alice"})
	n.Notify(context.Background(), events.ClientDisconnected{ClientName: "alice"})

	require.Eventually(t, func() bool { return sender.sent() >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.sent())
}

func TestEndpointDestinationFilter(t *testing.T) {
	ep := endpoint{destinations: []string{"sensor-*", "gateway"}}

	tests := []struct {
		dest  string
		match bool
	}{
		{"sensor-1", true},
		{"sensor-", true},
		{"gateway", true},
		{"gateway-2", false},
		{"actuator", false},
	}

	for _, tt := range tests {
		ev := events.MessageUndeliverable{MessageDestination: tt.dest}
		assert.Equal(t, tt.match, ep.matches(ev), "destination %q", tt.dest)
	}

	// Lifecycle events carry no destination and bypass the filter.
	assert.True(t, ep.matches(events.ClientConnected{ClientName: "x"}))
}

func TestDestinationMatches(t *testing.T) {
	assert.True(t, destinationMatches("*", "anything"))
	assert.True(t, destinationMatches("a", "a"))
	assert.False(t, destinationMatches("a", "ab"))
	assert.True(t, destinationMatches("a*", "ab"))
	assert.False(t, destinationMatches("b*", "ab"))
}

func TestNotifierRetry(t *testing.T) {
	var attempts atomic.Int32
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(endpointFor("audit"))
	cfg.Workers = 1
	cfg.Defaults.Retry = config.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		Multiplier:      2.0,
	}
	cfg.Defaults.CircuitBreaker.FailureThreshold = 10

	n, err := NewNotifier(cfg, "mom-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	n.Notify(context.Background(), events.ClientConnected{ClientName: "alice"})

	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNotifierCircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string) error {
		return errors.New("endpoint down")
	}

	cfg := testConfig(endpointFor("audit"))
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	cfg.Defaults.CircuitBreaker.ResetTimeout = time.Minute

	n, err := NewNotifier(cfg, "mom-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	for range 5 {
		n.Notify(context.Background(), events.ClientConnected{ClientName: "alice"})
	}

	require.Eventually(t, func() bool { return len(n.eventQueue) == 0 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sender.sent(), "breaker should reject calls once open")
}

func TestNotifierQueueOverflow(t *testing.T) {
	release := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func(ctx context.Context, _ string) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	for _, policy := range []string{"oldest", "newest"} {
		t.Run(policy, func(t *testing.T) {
			cfg := testConfig(endpointFor("audit"))
			cfg.Workers = 1
			cfg.QueueSize = 2
			cfg.DropPolicy = policy

			n, err := NewNotifier(cfg, "mom-1", sender, testLogger())
			require.NoError(t, err)
			defer n.Close()

			// The first event occupies the worker, two fill the queue.
			n.Notify(context.Background(), events.ClientConnected{ClientName: "first"})
			require.Eventually(t, func() bool { return len(n.eventQueue) == 0 }, time.Second, 5*time.Millisecond)
			for range 5 {
				n.Notify(context.Background(), events.ClientConnected{ClientName: "more"})
			}

			assert.Equal(t, uint64(3), n.Dropped())
		})
	}
	close(release)
}

func TestNotifierClose(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(endpointFor("audit")), "mom-1", sender, testLogger())
	require.NoError(t, err)

	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Notify(context.Background(), events.ClientConnected{}), ErrClosed)
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}

	assert.Equal(t, 200*time.Millisecond, retryDelay(1, cfg))
	assert.Equal(t, 400*time.Millisecond, retryDelay(2, cfg))
	assert.Equal(t, time.Second, retryDelay(10, cfg))
}
