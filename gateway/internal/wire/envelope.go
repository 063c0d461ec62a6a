// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the JSON envelopes exchanged over a relay
// websocket.
package wire

import (
	"bytes"
	"encoding/json"

	"github.com/tapgate/tapgate/gateway/internal/apierr"
)

// CursorField is the init field carrying the pagination cursor upstream.
const CursorField = "after_message_id"

// Kind is the type of an inbound envelope.
type Kind int

const (
	// KindInit is an {"init": ...} envelope.
	KindInit Kind = iota

	// KindAuthSig is an {"auth_sig": ...} envelope.
	KindAuthSig
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindAuthSig:
		return "auth_sig"
	default:
		return "unknown"
	}
}

// Inbound is a client to relay envelope.
type Inbound struct {
	Init    json.RawMessage `json:"init,omitempty"`
	AuthSig json.RawMessage `json:"auth_sig,omitempty"`
}

// Kind returns the type of the envelope.  It is only meaningful on an
// envelope returned by DecodeInbound.
func (in *Inbound) Kind() Kind {
	if present(in.Init) {
		return KindInit
	}
	return KindAuthSig
}

func present(raw json.RawMessage) bool {
	return len(raw) != 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// DecodeInbound decodes a frame, requiring exactly one populated field.
func DecodeInbound(b []byte) (*Inbound, error) {
	in := new(Inbound)
	if err := json.Unmarshal(b, in); err != nil {
		return nil, apierr.NewInvalidInput("malformed envelope: %v", err)
	}
	switch hasInit, hasSig := present(in.Init), present(in.AuthSig); {
	case hasInit && hasSig:
		return nil, apierr.NewInvalidInput("envelope carries both init and auth_sig")
	case !hasInit && !hasSig:
		return nil, apierr.NewInvalidInput("envelope carries no known field")
	}
	return in, nil
}

// Init is the opaque init payload, forwarded upstream on every poll.
type Init struct {
	fields map[string]json.RawMessage
}

// ParseInit parses an init payload, which must be a JSON object.
func ParseInit(raw json.RawMessage) (*Init, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apierr.NewInvalidInput("init is not an object: %v", err)
	}
	return &Init{fields: fields}, nil
}

// ReceiverID returns the receiver_id field.
func (i *Init) ReceiverID() (string, error) {
	raw, ok := i.fields["receiver_id"]
	if !ok {
		return "", apierr.NewInvalidInput("missing field receiver_id")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", apierr.NewInvalidInput("receiver_id is not a string")
	}
	return id, nil
}

// WithCursor returns the init payload with CursorField set to cursor, or
// the unmodified payload if cursor is empty.  The receiver is not modified.
func (i *Init) WithCursor(cursor string) json.RawMessage {
	fields := make(map[string]json.RawMessage, len(i.fields)+1)
	for k, v := range i.fields {
		fields[k] = v
	}
	if cursor != "" {
		b, _ := json.Marshal(cursor)
		fields[CursorField] = b
	}
	b, err := json.Marshal(fields)
	if err != nil {
		// Every value was produced by json.Unmarshal.
		panic("wire: failed to re-encode init: " + err.Error())
	}
	return b
}

// AuthSig is the client's answer to a challenge.
type AuthSig struct {
	Signature   string
	ChallengeID string
	Timestamp   int64
	PublicKey   string

	raw json.RawMessage
}

// Raw returns the payload as received, for forwarding upstream.
func (a *AuthSig) Raw() json.RawMessage {
	return a.raw
}

// ParseAuthSig parses an auth_sig payload.  Missing required fields and a
// timestamp that is not an int64 are InvalidInput errors.
func ParseAuthSig(raw json.RawMessage) (*AuthSig, error) {
	var m struct {
		Signature   *string `json:"signature"`
		ChallengeID *string `json:"challenge_id"`
		Timestamp   *int64  `json:"timestamp"`
		PublicKey   *string `json:"public_key"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apierr.NewInvalidInput("malformed auth_sig: %v", err)
	}
	switch {
	case m.Signature == nil:
		return nil, apierr.NewInvalidInput("missing field signature")
	case m.ChallengeID == nil:
		return nil, apierr.NewInvalidInput("missing field challenge_id")
	case m.Timestamp == nil:
		return nil, apierr.NewInvalidInput("missing field timestamp")
	}
	a := &AuthSig{
		Signature:   *m.Signature,
		ChallengeID: *m.ChallengeID,
		Timestamp:   *m.Timestamp,
		raw:         raw,
	}
	if m.PublicKey != nil {
		a.PublicKey = *m.PublicKey
	}
	return a, nil
}

// Challenge is the challenge issued in response to init.
type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	Message     string `json:"message"`
}

// EndOfStream summarizes a finished stream.
type EndOfStream struct {
	Completed    bool   `json:"completed"`
	MessageCount *int   `json:"message_count,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Outbound is a relay to client envelope.  Exactly one field is set.
type Outbound struct {
	Challenge   *Challenge        `json:"challenge,omitempty"`
	AuthSuccess *bool             `json:"auth_success,omitempty"`
	Messages    []json.RawMessage `json:"messages,omitempty"`
	EOS         *EndOfStream      `json:"eos,omitempty"`
}

// NewChallenge returns a challenge envelope.
func NewChallenge(c *Challenge) *Outbound {
	return &Outbound{Challenge: c}
}

// NewAuthResult returns an auth_success envelope.
func NewAuthResult(ok bool) *Outbound {
	return &Outbound{AuthSuccess: &ok}
}

// NewMessages returns a message batch envelope.  An empty batch is never
// sent, as it would serialize to an empty envelope.
func NewMessages(msgs []json.RawMessage) *Outbound {
	if len(msgs) == 0 {
		panic("wire: empty message batch")
	}
	return &Outbound{Messages: msgs}
}

// NewEndOfStream returns an eos envelope.  A non-nil err marks the stream
// as not completed.
func NewEndOfStream(count int, err error) *Outbound {
	eos := &EndOfStream{
		Completed:    err == nil,
		MessageCount: &count,
	}
	if err != nil {
		eos.Error = err.Error()
	}
	return &Outbound{EOS: eos}
}
