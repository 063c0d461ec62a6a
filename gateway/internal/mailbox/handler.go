// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mailbox implements the authenticated mailbox relay: the websocket
// protocol that binds a connection to a receiver identity by challenge
// response, then streams the receiver's upstream mailbox to it.
package mailbox

import (
	"fmt"
	"net/http"

	"golang.org/x/net/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/core/worker"
	"github.com/tapgate/tapgate/gateway/config"
	"github.com/tapgate/tapgate/gateway/internal/auth"
	"github.com/tapgate/tapgate/gateway/internal/challenge"
	"github.com/tapgate/tapgate/gateway/internal/instrument"
)

// Config is the Handler configuration.
type Config struct {
	Mailbox    *config.Mailbox
	Registry   *challenge.Registry
	Validator  *auth.Validator
	Upstream   Receiver
	LogBackend *log.Backend

	// AllowOrigin decides whether a websocket may be opened from a given
	// Origin.  nil allows all.
	AllowOrigin func(origin string) bool

	// Monitor is optional.
	Monitor instrument.Monitor
}

// Handler is the http.Handler that accepts relay websockets.
type Handler struct {
	worker.Worker

	cfg         *config.Mailbox
	registry    *challenge.Registry
	validator   *auth.Validator
	upstream    Receiver
	monitor     instrument.Monitor
	allowOrigin func(string) bool

	log        *logging.Logger
	logBackend *log.Backend

	server websocket.Server
}

// NewHandler returns a Handler.
func NewHandler(cfg *Config) *Handler {
	h := &Handler{
		cfg:         cfg.Mailbox,
		registry:    cfg.Registry,
		validator:   cfg.Validator,
		upstream:    cfg.Upstream,
		monitor:     cfg.Monitor,
		allowOrigin: cfg.AllowOrigin,
		log:         cfg.LogBackend.GetLogger("mailbox"),
		logBackend:  cfg.LogBackend,
	}
	if h.monitor == nil {
		h.monitor = instrument.Nop{}
	}
	h.server = websocket.Server{
		Handshake: h.handshake,
		Handler:   h.onConn,
	}
	return h
}

// ServeHTTP upgrades the request to a relay websocket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

func (h *Handler) handshake(_ *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if h.allowOrigin != nil && !h.allowOrigin(origin) {
		h.log.Debugf("Rejecting websocket from origin %q.", origin)
		return fmt.Errorf("mailbox: origin %q not allowed", origin)
	}
	return nil
}

func (h *Handler) onConn(ws *websocket.Conn) {
	ws.MaxPayloadBytes = h.cfg.MaxFrameSize
	c := newConn(h, ws)

	// The websocket is closed when onConn returns, so the connection runs
	// to completion here while remaining visible to Halt.
	doneCh := make(chan struct{})
	h.Go(func() {
		defer close(doneCh)
		c.worker()
	})
	<-doneCh
}
