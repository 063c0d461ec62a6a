// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity resolves receiver identities to public keys.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/gateway/receiverdb"
)

// ErrUnresolvable is returned when no public key is known for a receiver.
var ErrUnresolvable = errors.New("identity: no public key for receiver")

// uncompressedKeyLen is the length of an uncompressed SEC1 public key.
const uncompressedKeyLen = 65

// tapAddressPrefixes are the human readable parts of taproot asset
// addresses followed by the bech32 separator.
var tapAddressPrefixes = []string{"taprt1", "taptb1", "tapbc1", "tapsb1"}

// Fingerprint returns a short stable digest of a receiver identity, for
// logging.
func Fingerprint(id string) string {
	h := blake2b.Sum256([]byte(id))
	return hex.EncodeToString(h[:8])
}

// PublicKeyFromReceiverID returns the receiver identity itself, lower cased,
// iff it is the hex encoding of an x-only, compressed or uncompressed
// secp256k1 public key.
func PublicKeyFromReceiverID(id string) (string, bool) {
	b, err := hex.DecodeString(id)
	if err != nil {
		return "", false
	}
	switch len(b) {
	case schnorr.PubKeyBytesLen:
		_, err = schnorr.ParsePubKey(b)
	case btcec.PubKeyBytesLenCompressed, uncompressedKeyLen:
		_, err = btcec.ParsePubKey(b)
	default:
		return "", false
	}
	if err != nil {
		return "", false
	}
	return strings.ToLower(id), true
}

// ValidFormat returns true iff id is at least minLen characters drawn from
// [A-Za-z0-9_.-], which includes the bech32 alphabet.
func ValidFormat(id string, minLen int) bool {
	if len(id) < minLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return false
		}
	}
	return true
}

// ValidTapAddress returns true iff id is not a taproot asset address or
// carries a valid bech32(m) checksum.
func ValidTapAddress(id string) bool {
	if !IsTapAddress(id) {
		return true
	}
	_, _, err := bech32.DecodeNoLimit(id)
	return err == nil
}

// IsTapAddress returns true iff id has a taproot asset address prefix.
func IsTapAddress(id string) bool {
	lower := strings.ToLower(id)
	for _, p := range tapAddressPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Resolver determines whether a claimed receiver identity is a public key
// or a registered identity.  The receiver database is optional.
type Resolver struct {
	db  receiverdb.ReceiverDB
	log *logging.Logger

	minLen            int
	requireRegistered bool
	checkTapAddress   bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTapAddressChecksum makes Validate reject identities that look like
// taproot asset addresses but fail the bech32(m) checksum.
func WithTapAddressChecksum() Option {
	return func(r *Resolver) {
		r.checkTapAddress = true
	}
}

// NewResolver returns a Resolver.  db may be nil.
func NewResolver(db receiverdb.ReceiverDB, log *logging.Logger, minLen int, requireRegistered bool, opts ...Option) *Resolver {
	r := &Resolver{
		db:                db,
		log:               log,
		minLen:            minLen,
		requireRegistered: requireRegistered,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveKey returns the hex encoded public key of the receiver, trying the
// identity itself before the receiver database.
func (r *Resolver) ResolveKey(id string) (string, error) {
	if pk, ok := PublicKeyFromReceiverID(id); ok {
		return pk, nil
	}
	if r.db == nil {
		return "", ErrUnresolvable
	}

	info, err := r.db.Lookup(id)
	switch {
	case errors.Is(err, receiverdb.ErrNoSuchReceiver), errors.Is(err, receiverdb.ErrInvalidReceiverID):
		return "", ErrUnresolvable
	case err != nil:
		return "", fmt.Errorf("identity: receiver lookup failed: %w", err)
	case info.PublicKey == "":
		return "", ErrUnresolvable
	}
	return info.PublicKey, nil
}

// Lookup returns the stored record of the receiver, or nil if there is
// none or no receiver database is configured.
func (r *Resolver) Lookup(id string) *receiverdb.ReceiverInfo {
	if r.db == nil {
		return nil
	}
	info, err := r.db.Lookup(id)
	if err != nil {
		if !errors.Is(err, receiverdb.ErrNoSuchReceiver) {
			r.log.Warningf("Receiver lookup for %s failed: %v", Fingerprint(id), err)
		}
		return nil
	}
	return info
}

// Validate returns true iff id is well formed and is either a public key,
// a registered active receiver, or accepted on format alone because no
// receiver database is configured and registration is not required.
func (r *Resolver) Validate(id string) bool {
	if !ValidFormat(id, r.minLen) {
		r.log.Debugf("Receiver %s: malformed identity", Fingerprint(id))
		return false
	}
	if r.checkTapAddress && !ValidTapAddress(id) {
		r.log.Debugf("Receiver %s: bad taproot asset address checksum", Fingerprint(id))
		return false
	}
	if _, ok := PublicKeyFromReceiverID(id); ok {
		return true
	}
	if r.db == nil {
		if r.requireRegistered {
			r.log.Debugf("Receiver %s: not a public key and no receiver database", Fingerprint(id))
			return false
		}
		return true
	}

	info, err := r.db.Lookup(id)
	switch {
	case errors.Is(err, receiverdb.ErrNoSuchReceiver):
		r.log.Debugf("Receiver %s: not registered", Fingerprint(id))
		return false
	case err != nil:
		r.log.Warningf("Receiver %s: lookup failed: %v", Fingerprint(id), err)
		return false
	case !info.IsActive:
		r.log.Debugf("Receiver %s: inactive", Fingerprint(id))
		return false
	}
	return true
}
