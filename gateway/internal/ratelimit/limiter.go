// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratelimit bounds the inbound frame rate of a single connection.
package ratelimit

import "time"

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter counts frames in a window that restarts once it is older than
// the window duration.  It is owned by a single connection and is not safe
// for concurrent use.
type Limiter struct {
	limit  int
	window time.Duration

	count       int
	windowStart time.Time

	now func() time.Time
}

// New returns a Limiter allowing limit frames per window.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.windowStart = l.now()
	return l
}

// Allow records a frame and returns true iff it is within the limit.
func (l *Limiter) Allow() bool {
	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.limit
}

// Count returns the number of frames recorded in the current window.
func (l *Limiter) Count() int {
	return l.count
}
