// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sigverify verifies secp256k1 challenge signatures.
//
// The scheme is selected by the length of the hex encoded public key: a
// 64 character key is a BIP-340 x-only key and is verified as Schnorr,
// anything else is a SEC1 key verified as ECDSA.
package sigverify

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Scheme is a signature scheme.
type Scheme int

const (
	// Schnorr is BIP-340 Schnorr over secp256k1.
	Schnorr Scheme = iota

	// ECDSA is ECDSA over secp256k1.
	ECDSA
)

// XOnlyKeyHexLen is the hex length of a BIP-340 public key.
const XOnlyKeyHexLen = 2 * schnorr.PubKeyBytesLen

const compactSigLen = 64

var (
	// ErrBadSignature is returned when a well formed signature does not
	// verify.
	ErrBadSignature = errors.New("sigverify: signature verification failed")

	// ErrMalformedSignature is returned when a signature can't be decoded.
	ErrMalformedSignature = errors.New("sigverify: malformed signature")

	// ErrMalformedKey is returned when a public key can't be decoded.
	ErrMalformedKey = errors.New("sigverify: malformed public key")
)

func (s Scheme) String() string {
	switch s {
	case Schnorr:
		return "schnorr"
	case ECDSA:
		return "ecdsa"
	default:
		return "unknown"
	}
}

// SchemeFor returns the scheme a public key is verified with.
func SchemeFor(publicKey string) Scheme {
	if len(publicKey) == XOnlyKeyHexLen {
		return Schnorr
	}
	return ECDSA
}

func hexDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return len(s) > 0
}

// IsHex returns true iff s is a non-empty even length string of hex digits.
func IsHex(s string) bool {
	return len(s)%2 == 0 && hexDigits(s)
}

// WellEncoded returns true iff s is made of hex digits, of any length, or
// is standard base64.  It is the cheap pre-check done before a challenge
// is spent; an odd length hex string passes it and fails in Verify.
func WellEncoded(s string) bool {
	if hexDigits(s) {
		return true
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

// DecodeSignature decodes a hex or standard base64 encoded signature.
func DecodeSignature(s string) ([]byte, error) {
	if IsHex(s) {
		return hex.DecodeString(s)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: neither hex nor base64", ErrMalformedSignature)
	}
	return b, nil
}

// Digest returns the 32 byte digest that is signed for message.
func Digest(message string) []byte {
	h := sha256.Sum256([]byte(message))
	return h[:]
}

// Verify verifies signature over message with the hex encoded publicKey.
// A nil return means the signature is valid.
func Verify(message, signature, publicKey string) error {
	sig, err := DecodeSignature(signature)
	if err != nil {
		return err
	}
	rawKey, err := hex.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	digest := Digest(message)
	switch SchemeFor(publicKey) {
	case Schnorr:
		return verifySchnorr(digest, sig, rawKey)
	default:
		return verifyECDSA(digest, sig, rawKey)
	}
}

func verifySchnorr(digest, rawSig, rawKey []byte) error {
	pk, err := schnorr.ParsePubKey(rawKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if !sig.Verify(digest, pk) {
		return ErrBadSignature
	}
	return nil
}

func verifyECDSA(digest, rawSig, rawKey []byte) error {
	pk, err := btcec.ParsePubKey(rawKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	sig, err := parseECDSASignature(rawSig)
	if err != nil {
		return err
	}
	if !sig.Verify(digest, pk) {
		return ErrBadSignature
	}
	return nil
}

// parseECDSASignature accepts DER and 64 byte compact r||s encodings.
func parseECDSASignature(b []byte) (*ecdsa.Signature, error) {
	if len(b) != compactSigLen {
		sig, err := ecdsa.ParseDERSignature(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		}
		return sig, nil
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(b[:32]); overflow || r.IsZero() {
		return nil, fmt.Errorf("%w: invalid r", ErrMalformedSignature)
	}
	if overflow := s.SetByteSlice(b[32:]); overflow || s.IsZero() {
		return nil, fmt.Errorf("%w: invalid s", ErrMalformedSignature)
	}
	return ecdsa.NewSignature(&r, &s), nil
}
