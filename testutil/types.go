// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"testing"

	"github.com/absmach/mom/codec"
	"github.com/stretchr/testify/require"
)

// Application body types used by end-to-end tests.
type (
	Ping struct {
		Seq int `json:"seq" msgpack:"seq"`
	}

	Pong struct {
		Seq  int    `json:"seq" msgpack:"seq"`
		From string `json:"from" msgpack:"from"`
	}

	Status struct {
		OK     bool   `json:"ok" msgpack:"ok"`
		Detail string `json:"detail" msgpack:"detail"`
	}
)

// Tags for the application body types.
const (
	PingTag   = "test.Ping"
	PongTag   = "test.Pong"
	StatusTag = "test.Status"
)

// Registry returns a registry with every test type registered on m.
func Registry(t testing.TB, m codec.Marshaler) *codec.Registry {
	t.Helper()

	r := codec.NewRegistry(m)
	require.NoError(t, codec.Register[Ping](r, PingTag))
	require.NoError(t, codec.Register[Pong](r, PongTag))
	require.NoError(t, codec.Register[Status](r, StatusTag))
	return r
}
