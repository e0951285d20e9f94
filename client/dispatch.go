// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

// Dispatcher runs subscriber callbacks, e.g. on an application event loop.
// Invoke may return before fn runs.
type Dispatcher interface {
	Invoke(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Invoke(fn func()) {
	f(fn)
}
