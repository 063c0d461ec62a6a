// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument provides the relay observability hooks.
package instrument

// Monitor receives relay connection events.  Implementations must be safe
// for concurrent use and must not block.
type Monitor interface {
	// ConnectionOpened is called when a websocket is accepted.
	ConnectionOpened(connID uint64, remoteAddr string)

	// ConnectionClosed is called once per opened connection.
	ConnectionClosed(connID uint64)

	// MessageReceived is called for every inbound frame.
	MessageReceived(connID uint64, size int)

	// MessageSent is called for every outbound frame.
	MessageSent(connID uint64, size int)

	// RateLimitHit is called when a connection exceeds its frame rate.
	RateLimitHit(connID uint64)

	// AuthFailure is called for every rejected authentication.
	AuthFailure(connID uint64, reason string)

	// ReceiverBound is called when a connection authenticates as receiverID.
	ReceiverBound(connID uint64, receiverID string)
}

// Nop is a Monitor that does nothing.
type Nop struct{}

func (Nop) ConnectionOpened(uint64, string) {}
func (Nop) ConnectionClosed(uint64)         {}
func (Nop) MessageReceived(uint64, int)     {}
func (Nop) MessageSent(uint64, int)         {}
func (Nop) RateLimitHit(uint64)             {}
func (Nop) AuthFailure(uint64, string)      {}
func (Nop) ReceiverBound(uint64, string)    {}
