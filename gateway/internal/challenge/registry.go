// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package challenge implements the process wide registry of single use
// authentication challenges.
package challenge

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"

	"github.com/tapgate/tapgate/gateway/internal/wire"
)

const nonceSize = 16

var (
	// ErrNoSuchChallenge is returned when consuming an unknown or already
	// consumed challenge.
	ErrNoSuchChallenge = errors.New("challenge: no such challenge")

	// ErrChallengeExpired is returned when consuming an expired challenge.
	ErrChallengeExpired = errors.New("challenge: challenge expired")
)

// Record is an issued challenge.
type Record struct {
	// ID is the opaque challenge identifier.
	ID string

	// Timestamp is the wall clock issuance time in seconds.
	Timestamp int64

	// Nonce is the standard base64 encoding of random bytes.
	Nonce string

	// IssuedAt is the issuance instant, used for expiry.
	IssuedAt time.Time
}

// Message returns the canonical string the client must sign.
func (r *Record) Message() string {
	return fmt.Sprintf("Sign this challenge: %s-%d-%s", r.ID, r.Timestamp, r.Nonce)
}

// Payload returns the public facing form of the challenge.
func (r *Record) Payload() *wire.Challenge {
	return &wire.Challenge{
		ChallengeID: r.ID,
		Timestamp:   r.Timestamp,
		Nonce:       r.Nonce,
		Message:     r.Message(),
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRand overrides the registry's entropy source.
func WithRand(rng io.Reader) Option {
	return func(r *Registry) {
		r.rng = rng
	}
}

// Registry stores outstanding challenges.  It is safe for concurrent use
// and is shared by every relay connection.  No I/O is done while holding
// the lock.
type Registry struct {
	sync.Mutex

	records map[string]*Record
	expiry  time.Duration

	now func() time.Time
	rng io.Reader
}

// New returns a Registry whose challenges expire after expiry.
func New(expiry time.Duration, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		expiry:  expiry,
		now:     time.Now,
		rng:     rand.Reader,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue creates and stores a fresh challenge, purging expired challenges
// first.
func (r *Registry) Issue() (*Record, error) {
	id, err := uuid.NewRandomFromReader(r.rng)
	if err != nil {
		return nil, fmt.Errorf("challenge: failed to generate id: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(r.rng, nonce[:]); err != nil {
		return nil, fmt.Errorf("challenge: failed to generate nonce: %w", err)
	}

	now := r.now()
	rec := &Record{
		ID:        id.String(),
		Timestamp: now.Unix(),
		Nonce:     base64.StdEncoding.EncodeToString(nonce[:]),
		IssuedAt:  now,
	}

	r.Lock()
	defer r.Unlock()
	r.pruneLocked(now)
	if _, ok := r.records[rec.ID]; ok {
		return nil, errors.New("challenge: identifier collision")
	}
	r.records[rec.ID] = rec
	return rec, nil
}

// Consume removes and returns the challenge.  An expired challenge is
// removed and reported as ErrChallengeExpired.
func (r *Registry) Consume(id string) (*Record, error) {
	now := r.now()

	r.Lock()
	defer r.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNoSuchChallenge
	}
	delete(r.records, id)
	r.pruneLocked(now)
	if r.expired(rec, now) {
		return nil, ErrChallengeExpired
	}
	return rec, nil
}

// Prune removes every expired challenge and returns how many were removed.
func (r *Registry) Prune() int {
	now := r.now()

	r.Lock()
	defer r.Unlock()
	return r.pruneLocked(now)
}

// Len returns the number of outstanding challenges.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.records)
}

func (r *Registry) expired(rec *Record, now time.Time) bool {
	return now.Sub(rec.IssuedAt) > r.expiry
}

func (r *Registry) pruneLocked(now time.Time) int {
	n := 0
	for id, rec := range r.records {
		if r.expired(rec, now) {
			delete(r.records, id)
			n++
		}
	}
	return n
}
