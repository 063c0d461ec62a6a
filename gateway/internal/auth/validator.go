// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package auth implements the challenge response authentication of relay
// connections.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/gateway/internal/challenge"
	"github.com/tapgate/tapgate/gateway/internal/identity"
	"github.com/tapgate/tapgate/gateway/internal/sigverify"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
	"github.com/tapgate/tapgate/gateway/internal/wire"
	"github.com/tapgate/tapgate/gateway/receiverdb"
)

// AuthMethod is recorded in the metadata of persisted receivers.
const AuthMethod = "mailbox"

// Reason is why an authentication attempt was rejected.
type Reason string

const (
	ReasonShortSignature      Reason = "short_signature"
	ReasonEmptyReceiver       Reason = "empty_receiver"
	ReasonSignatureEncoding   Reason = "signature_encoding"
	ReasonUnknownChallenge    Reason = "unknown_challenge"
	ReasonExpiredChallenge    Reason = "expired_challenge"
	ReasonTimestampSkew       Reason = "timestamp_skew"
	ReasonChallengeSkew       Reason = "challenge_skew"
	ReasonUnresolvableKey     Reason = "unresolvable_key"
	ReasonBadSignature        Reason = "bad_signature"
	ReasonUpstreamUnavailable Reason = "upstream_unavailable"
	ReasonMailboxDisabled     Reason = "mailbox_disabled"
	ReasonInvalidReceiver     Reason = "invalid_receiver"
)

// Prober probes the upstream mailbox capability.
type Prober interface {
	MailboxInfo(ctx context.Context) (*upstream.MailboxInfo, error)
}

// Session is the outcome of a successful authentication.
type Session struct {
	ReceiverID  string
	PublicKey   string
	ChallengeID string

	// Init and AuthSig are the verified payloads, replayed upstream on
	// every poll.
	Init    *wire.Init
	AuthSig *wire.AuthSig
}

// Config parameterizes a Validator.
type Config struct {
	Registry *challenge.Registry
	Resolver *identity.Resolver

	// Prober is optional, nil skips the upstream capability probe.
	Prober Prober

	// DB is optional, nil disables persistence of receivers.
	DB receiverdb.ReceiverDB

	Log *logging.Logger

	TimestampTolerance time.Duration
	MinSignatureLength int

	// Now overrides the wall clock.
	Now func() time.Time
}

// Validator decides whether a client proved possession of the receiver's
// key.  It is safe for concurrent use.
type Validator struct {
	cfg Config
}

// New returns a Validator.
func New(cfg *Config) *Validator {
	v := &Validator{cfg: *cfg}
	if v.cfg.Now == nil {
		v.cfg.Now = time.Now
	}
	return v
}

func abs(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}

// Authenticate validates the auth_sig payload against the init payload.
// A malformed payload is returned as an error.  A rejection returns a nil
// Session and the reason.
func (v *Validator) Authenticate(ctx context.Context, init *wire.Init, rawSig json.RawMessage) (*Session, Reason, error) {
	receiverID, err := init.ReceiverID()
	if err != nil {
		return nil, "", err
	}
	sig, err := wire.ParseAuthSig(rawSig)
	if err != nil {
		return nil, "", err
	}
	log := v.cfg.Log
	fp := identity.Fingerprint(receiverID)

	switch {
	case len(sig.Signature) < v.cfg.MinSignatureLength:
		return nil, ReasonShortSignature, nil
	case receiverID == "":
		return nil, ReasonEmptyReceiver, nil
	}
	if !sigverify.WellEncoded(sig.Signature) {
		return nil, ReasonSignatureEncoding, nil
	}

	// The challenge is spent from here on, whatever the outcome.
	rec, err := v.cfg.Registry.Consume(sig.ChallengeID)
	switch {
	case errors.Is(err, challenge.ErrChallengeExpired):
		return nil, ReasonExpiredChallenge, nil
	case err != nil:
		return nil, ReasonUnknownChallenge, nil
	}

	tolerance := int64(v.cfg.TimestampTolerance / time.Second)
	now := v.cfg.Now()
	if abs(now.Unix()-sig.Timestamp) > tolerance {
		log.Debugf("Receiver %s: timestamp %d is %ds from now", fp, sig.Timestamp, now.Unix()-sig.Timestamp)
		return nil, ReasonTimestampSkew, nil
	}
	if abs(rec.Timestamp-sig.Timestamp) > tolerance {
		return nil, ReasonChallengeSkew, nil
	}

	publicKey, err := v.cfg.Resolver.ResolveKey(receiverID)
	if err != nil {
		if !errors.Is(err, identity.ErrUnresolvable) {
			log.Warningf("Receiver %s: %v", fp, err)
		}
		return nil, ReasonUnresolvableKey, nil
	}
	if err := sigverify.Verify(rec.Message(), sig.Signature, publicKey); err != nil {
		log.Debugf("Receiver %s: %s verification failed: %v", fp, sigverify.SchemeFor(publicKey), err)
		return nil, ReasonBadSignature, nil
	}
	if sig.PublicKey != "" && sig.PublicKey != publicKey {
		log.Debugf("Receiver %s: ignoring claimed public key that differs from the resolved key", fp)
	}

	if v.cfg.Prober != nil {
		info, err := v.cfg.Prober.MailboxInfo(ctx)
		if err != nil {
			log.Warningf("Mailbox capability probe failed: %v", err)
			return nil, ReasonUpstreamUnavailable, nil
		}
		if !info.Enabled() {
			return nil, ReasonMailboxDisabled, nil
		}
	}

	if !v.cfg.Resolver.Validate(receiverID) {
		return nil, ReasonInvalidReceiver, nil
	}

	v.persist(receiverID, publicKey, rec.ID, now)
	return &Session{
		ReceiverID:  receiverID,
		PublicKey:   publicKey,
		ChallengeID: rec.ID,
		Init:        init,
		AuthSig:     sig,
	}, "", nil
}

// persist records the receiver.  Failure does not revoke the
// authentication.
func (v *Validator) persist(receiverID, publicKey, challengeID string, now time.Time) {
	if v.cfg.DB == nil {
		return
	}

	info := &receiverdb.ReceiverInfo{
		ReceiverID: receiverID,
		PublicKey:  publicKey,
		CreatedAt:  now.Unix(),
		LastSeen:   now.Unix(),
		IsActive:   true,
		Metadata:   make(map[string]interface{}),
	}
	if existing := v.cfg.Resolver.Lookup(receiverID); existing != nil {
		info.CreatedAt = existing.CreatedAt
		info.Address = existing.Address
		for k, val := range existing.Metadata {
			info.Metadata[k] = val
		}
	}
	info.Metadata["auth_method"] = AuthMethod
	info.Metadata["last_challenge_id"] = challengeID

	if err := v.cfg.DB.Store(info); err != nil {
		v.cfg.Log.Warningf("Receiver %s: failed to persist: %v", identity.Fingerprint(receiverID), err)
	}
}
