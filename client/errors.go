// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoServer        = errors.New("no server configured")
	ErrEmptyClientName = errors.New("client name cannot be empty")
	ErrReservedName    = errors.New("client name is reserved")
	ErrNilHandler      = errors.New("handler cannot be nil")

	// Connection errors.
	ErrConnect        = errors.New("failed to connect to broker")
	ErrConnectionLost = errors.New("connection lost")

	// Operation errors.
	ErrClientStopped = errors.New("client has been stopped")
)
