// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package receiverdb defines the gateway receiver database abstract
// interface.
package receiverdb

import (
	"errors"
	"fmt"
)

// MaxReceiverIDSize is the maximum receiver identity length in bytes.
const MaxReceiverIDSize = 256

var (
	// ErrNoSuchReceiver is the error returned when an operation fails due
	// to a non-existent receiver.
	ErrNoSuchReceiver = errors.New("receiverdb: no such receiver")

	// ErrInvalidReceiverID is the error returned for an empty or oversized
	// receiver identity.
	ErrInvalidReceiverID = errors.New("receiverdb: invalid receiver id")
)

// ReceiverInfo is the persisted state of a receiver that has authenticated
// at least once.
type ReceiverInfo struct {
	ReceiverID string                 `cbor:"receiver_id" json:"receiver_id" codec:"receiver_id"`
	PublicKey  string                 `cbor:"public_key" json:"public_key" codec:"public_key"`
	Address    string                 `cbor:"address,omitempty" json:"address,omitempty" codec:"address,omitempty"`
	CreatedAt  int64                  `cbor:"created_at" json:"created_at" codec:"created_at"`
	LastSeen   int64                  `cbor:"last_seen" json:"last_seen" codec:"last_seen"`
	IsActive   bool                   `cbor:"is_active" json:"is_active" codec:"is_active"`
	Metadata   map[string]interface{} `cbor:"metadata,omitempty" json:"metadata,omitempty" codec:"metadata,omitempty"`
}

// Validate checks the fields every backend relies on.
func (r *ReceiverInfo) Validate() error {
	if err := CheckReceiverID(r.ReceiverID); err != nil {
		return err
	}
	if r.PublicKey == "" {
		return fmt.Errorf("receiverdb: receiver %q has no public key", r.ReceiverID)
	}
	return nil
}

// CheckReceiverID returns ErrInvalidReceiverID iff id can't be used as a
// database key.
func CheckReceiverID(id string) error {
	if len(id) == 0 || len(id) > MaxReceiverIDSize {
		return ErrInvalidReceiverID
	}
	return nil
}

// ReceiverDB is the interface provided by all receiver database
// implementations.
type ReceiverDB interface {
	// Lookup returns the receiver identified by id, or ErrNoSuchReceiver.
	Lookup(id string) (*ReceiverInfo, error)

	// Store creates or replaces the receiver's record.
	Store(info *ReceiverInfo) error

	// Close closes the ReceiverDB instance.
	Close()
}

// Lister is implemented by receiver databases that can enumerate their
// records.
type Lister interface {
	ForEach(fn func(*ReceiverInfo) error) error
}

// Deactivate marks the receiver identified by id as inactive.
func Deactivate(db ReceiverDB, id string) error {
	info, err := db.Lookup(id)
	if err != nil {
		return err
	}
	info.IsActive = false
	return db.Store(info)
}
