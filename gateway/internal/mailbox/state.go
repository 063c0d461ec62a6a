// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mailbox

import "fmt"

// State is the protocol state of a relay connection.  States only ever
// advance.
type State int

const (
	// AwaitingInit accepts only an init envelope.
	AwaitingInit State = iota

	// ChallengeSent accepts only an auth_sig envelope.
	ChallengeSent

	// Authenticated is passed through on the way to Streaming.
	Authenticated

	// Streaming accepts no envelopes, the relay is polling upstream.
	Streaming

	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingInit:
		return "AwaitingInit"
	case ChallengeSent:
		return "ChallengeSent"
	case Authenticated:
		return "Authenticated"
	case Streaming:
		return "Streaming"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("[unknown state: %d]", int(s))
	}
}

// transition returns next, or panics if next does not follow from.
// Closing a closed connection is allowed.
func transition(from, next State) State {
	if next <= from && !(from == Closed && next == Closed) {
		panic(fmt.Sprintf("BUG: mailbox: invalid transition %v -> %v", from, next))
	}
	return next
}
