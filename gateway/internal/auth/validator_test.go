// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/gateway/internal/apierr"
	"github.com/tapgate/tapgate/gateway/internal/challenge"
	"github.com/tapgate/tapgate/gateway/internal/identity"
	"github.com/tapgate/tapgate/gateway/internal/sigverify"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
	"github.com/tapgate/tapgate/gateway/internal/wire"
	"github.com/tapgate/tapgate/gateway/receiverdb"
	"github.com/tapgate/tapgate/gateway/receiverdb/boltreceiverdb"
)

var epoch = time.Unix(1700000000, 0)

type fakeProber struct {
	info *upstream.MailboxInfo
	err  error
}

func (p *fakeProber) MailboxInfo(context.Context) (*upstream.MailboxInfo, error) {
	return p.info, p.err
}

type harness struct {
	now      time.Time
	registry *challenge.Registry
	db       receiverdb.ReceiverDB
	prober   *fakeProber
	v        *Validator
}

func newHarness(t *testing.T, withDB bool) *harness {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	logger := backend.GetLogger("auth_test")

	h := &harness{
		now:    epoch,
		prober: &fakeProber{info: &upstream.MailboxInfo{}},
	}
	clock := func() time.Time { return h.now }
	h.registry = challenge.New(300*time.Second, challenge.WithClock(clock))
	if withDB {
		db, err := boltreceiverdb.New(filepath.Join(t.TempDir(), "receivers.db"))
		require.NoError(t, err)
		t.Cleanup(db.Close)
		h.db = db
	}
	h.v = New(&Config{
		Registry:           h.registry,
		Resolver:           identity.NewResolver(h.db, logger, 8, false),
		Prober:             h.prober,
		DB:                 h.db,
		Log:                logger,
		TimestampTolerance: 30 * time.Second,
		MinSignatureLength: 32,
		Now:                clock,
	})
	return h
}

func initFor(t *testing.T, receiverID string) *wire.Init {
	raw, err := json.Marshal(map[string]string{"receiver_id": receiverID})
	require.NoError(t, err)
	init, err := wire.ParseInit(raw)
	require.NoError(t, err)
	return init
}

func authSig(t *testing.T, sig, challengeID string, ts int64) json.RawMessage {
	raw, err := json.Marshal(map[string]interface{}{
		"signature":    sig,
		"challenge_id": challengeID,
		"timestamp":    ts,
	})
	require.NoError(t, err)
	return raw
}

func schnorrSign(t *testing.T, priv *btcec.PrivateKey, msg string) string {
	sig, err := schnorr.Sign(priv, sigverify.Digest(msg))
	require.NoError(t, err)
	return hex.EncodeToString(sig.Serialize())
}

func xOnly(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

func TestAuthenticateSchnorr(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, true)

	priv, err := btcec.NewPrivateKey()
	require.NoError(err)
	receiverID := xOnly(priv)

	rec, err := h.registry.Issue()
	require.NoError(err)
	h.now = h.now.Add(5 * time.Second)

	sess, reason, err := h.v.Authenticate(context.Background(), initFor(t, receiverID),
		authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix()))
	require.NoError(err)
	require.Empty(reason)
	require.NotNil(sess)
	require.Equal(receiverID, sess.ReceiverID)
	require.Equal(receiverID, sess.PublicKey)
	require.Equal(rec.ID, sess.ChallengeID)
	require.Equal(0, h.registry.Len())

	info, err := h.db.Lookup(receiverID)
	require.NoError(err)
	require.Equal(receiverID, info.PublicKey)
	require.True(info.IsActive)
	require.Equal(h.now.Unix(), info.CreatedAt)
	require.Equal(AuthMethod, info.Metadata["auth_method"])
	require.Equal(rec.ID, info.Metadata["last_challenge_id"])

	// A second session preserves the creation time.
	h.now = h.now.Add(time.Minute)
	rec, err = h.registry.Issue()
	require.NoError(err)
	sess, _, err = h.v.Authenticate(context.Background(), initFor(t, receiverID),
		authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix()))
	require.NoError(err)
	require.NotNil(sess)
	info, err = h.db.Lookup(receiverID)
	require.NoError(err)
	require.Equal(epoch.Add(5*time.Second).Unix(), info.CreatedAt)
	require.Equal(h.now.Unix(), info.LastSeen)
}

func TestAuthenticateRegisteredECDSA(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, true)

	priv, err := btcec.NewPrivateKey()
	require.NoError(err)
	receiverID := "alice-wallet-01"
	require.NoError(h.db.Store(&receiverdb.ReceiverInfo{
		ReceiverID: receiverID,
		PublicKey:  hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		CreatedAt:  1,
		IsActive:   true,
		Metadata:   map[string]interface{}{"label": "alice"},
	}))

	rec, err := h.registry.Issue()
	require.NoError(err)
	sig := ecdsa.Sign(priv, sigverify.Digest(rec.Message()))

	sess, reason, err := h.v.Authenticate(context.Background(), initFor(t, receiverID),
		authSig(t, hex.EncodeToString(sig.Serialize()), rec.ID, h.now.Unix()))
	require.NoError(err)
	require.Empty(reason)
	require.NotNil(sess)

	info, err := h.db.Lookup(receiverID)
	require.NoError(err)
	require.Equal(int64(1), info.CreatedAt)
	require.Equal("alice", info.Metadata["label"])
	require.Equal(AuthMethod, info.Metadata["auth_method"])
}

func TestAuthenticateHardFailures(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, false)

	init := initFor(t, "0123456789abcdef")
	for _, raw := range []string{
		`{"challenge_id":"x","timestamp":1}`,
		`{"signature":"x","timestamp":1}`,
		`{"signature":"x","challenge_id":"x"}`,
		`{"signature":"x","challenge_id":"x","timestamp":"1"}`,
		`{"signature":"x","challenge_id":"x","timestamp":1.5}`,
	} {
		sess, _, err := h.v.Authenticate(context.Background(), init, json.RawMessage(raw))
		require.Nil(sess)
		require.True(apierr.Is(err, apierr.InvalidInput), raw)
	}

	noReceiver, err := wire.ParseInit(json.RawMessage(`{"other":1}`))
	require.NoError(err)
	_, _, err = h.v.Authenticate(context.Background(), noReceiver, authSig(t, "x", "x", 1))
	require.True(apierr.Is(err, apierr.InvalidInput))
}

func TestAuthenticateRejections(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	receiverID := xOnly(priv)
	longGarbage := "zz" + hex.EncodeToString(make([]byte, 32))

	for _, tc := range []struct {
		name   string
		reason Reason
		setup  func(h *harness, rec *challenge.Record) (receiverID string, sig json.RawMessage)
	}{
		{"short signature", ReasonShortSignature, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return receiverID, authSig(t, "abcd", rec.ID, h.now.Unix())
		}},
		{"empty receiver", ReasonEmptyReceiver, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return "", authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix())
		}},
		{"bad encoding", ReasonSignatureEncoding, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return receiverID, authSig(t, longGarbage+"!", rec.ID, h.now.Unix())
		}},
		{"unknown challenge", ReasonUnknownChallenge, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return receiverID, authSig(t, schnorrSign(t, priv, rec.Message()), "no-such-challenge", h.now.Unix())
		}},
		{"expired challenge", ReasonExpiredChallenge, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			h.now = h.now.Add(301 * time.Second)
			return receiverID, authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix())
		}},
		{"stale timestamp", ReasonTimestampSkew, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return receiverID, authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix()-31)
		}},
		{"future timestamp", ReasonTimestampSkew, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return receiverID, authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix()+31)
		}},
		{"timestamp far from challenge", ReasonChallengeSkew, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			h.now = h.now.Add(60 * time.Second)
			return receiverID, authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix())
		}},
		{"unresolvable key", ReasonUnresolvableKey, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return "not-a-public-key", authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix())
		}},
		{"wrong message", ReasonBadSignature, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			return receiverID, authSig(t, schnorrSign(t, priv, "something else"), rec.ID, h.now.Unix())
		}},
		{"upstream down", ReasonUpstreamUnavailable, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			h.prober.err = apierr.NewRequest("mailbox info", errors.New("connection refused"))
			return receiverID, authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix())
		}},
		{"mailbox disabled", ReasonMailboxDisabled, func(h *harness, rec *challenge.Record) (string, json.RawMessage) {
			disabled := false
			h.prober.info = &upstream.MailboxInfo{MailboxEnabled: &disabled}
			return receiverID, authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix())
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			h := newHarness(t, false)

			rec, err := h.registry.Issue()
			require.NoError(err)
			id, sig := tc.setup(h, rec)

			sess, reason, err := h.v.Authenticate(context.Background(), initFor(t, id), sig)
			require.NoError(err)
			require.Nil(sess)
			require.Equal(tc.reason, reason)
		})
	}
}

func TestTimestampToleranceBoundary(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	receiverID := xOnly(priv)

	for _, skew := range []int64{-30, 30} {
		t.Run(fmt.Sprintf("%+d", skew), func(t *testing.T) {
			require := require.New(t)
			h := newHarness(t, false)

			rec, err := h.registry.Issue()
			require.NoError(err)
			sess, reason, err := h.v.Authenticate(context.Background(), initFor(t, receiverID),
				authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix()+skew))
			require.NoError(err)
			require.Empty(reason)
			require.NotNil(sess)
			require.Equal(receiverID, sess.ReceiverID)
		})
	}
}

func TestChallengeIsSpentOnFailure(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, false)

	priv, err := btcec.NewPrivateKey()
	require.NoError(err)
	receiverID := xOnly(priv)

	rec, err := h.registry.Issue()
	require.NoError(err)

	_, reason, err := h.v.Authenticate(context.Background(), initFor(t, receiverID),
		authSig(t, schnorrSign(t, priv, "forged"), rec.ID, h.now.Unix()))
	require.NoError(err)
	require.Equal(ReasonBadSignature, reason)

	// The correct signature can't be replayed against the spent challenge.
	sess, reason, err := h.v.Authenticate(context.Background(), initFor(t, receiverID),
		authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix()))
	require.NoError(err)
	require.Nil(sess)
	require.Equal(ReasonUnknownChallenge, reason)
}

func TestOddLengthHexSpendsChallenge(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, false)

	priv, err := btcec.NewPrivateKey()
	require.NoError(err)
	receiverID := xOnly(priv)

	rec, err := h.registry.Issue()
	require.NoError(err)

	oddHex := schnorrSign(t, priv, rec.Message()) + "a"
	_, reason, err := h.v.Authenticate(context.Background(), initFor(t, receiverID),
		authSig(t, oddHex, rec.ID, h.now.Unix()))
	require.NoError(err)
	require.Equal(ReasonBadSignature, reason)
	require.Equal(0, h.registry.Len())
}

func TestInactiveReceiverRejected(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, true)

	priv, err := btcec.NewPrivateKey()
	require.NoError(err)
	receiverID := "bob-wallet-02"
	require.NoError(h.db.Store(&receiverdb.ReceiverInfo{
		ReceiverID: receiverID,
		PublicKey:  xOnly(priv),
		IsActive:   false,
	}))

	rec, err := h.registry.Issue()
	require.NoError(err)
	sess, reason, err := h.v.Authenticate(context.Background(), initFor(t, receiverID),
		authSig(t, schnorrSign(t, priv, rec.Message()), rec.ID, h.now.Unix()))
	require.NoError(err)
	require.Nil(sess)
	require.Equal(ReasonInvalidReceiver, reason)

	info, err := h.db.Lookup(receiverID)
	require.NoError(err)
	require.False(info.IsActive)
}
