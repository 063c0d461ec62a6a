// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package proxy implements the gateway's REST surface: stateless routes
// relayed to the taproot-assets daemon, the mailbox REST calls, the event
// subscriptions, and the health endpoints.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/gateway/internal/apierr"
	"github.com/tapgate/tapgate/gateway/internal/events"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
)

// MaxBodySize is the largest accepted request body.
const MaxBodySize = 1 << 20

// Upstream is the subset of the daemon client used by the proxy.
type Upstream interface {
	Forward(ctx context.Context, method, path, rawQuery string, body []byte) (*upstream.Response, error)
	GetInfo(ctx context.Context) (json.RawMessage, error)
}

// EventSource serves the event subscription routes.  ServeHTTP handles the
// websocket upgrades.
type EventSource interface {
	http.Handler
	Subscribe(ctx context.Context, kind events.Kind, body []byte) (*upstream.Response, error)
}

// passThrough lists the routes relayed verbatim to the same path upstream.
var passThrough = []string{
	"GET /getinfo",
	"GET /assets",
	"POST /assets",
	"GET /assets/balance",
	"GET /addrs",
	"POST /addrs",
	"POST /burn",
	"GET /burns",
	"POST /channels/fund",
	"POST /channels/invoice",
	"POST /channels/invoice/decode",
	"POST /channels/send-payment",
	"POST /channels/encode-custom-data",
	"GET /rfq/ntfs",
	"GET /rfq/priceoracle/assetrates",
	"GET /rfq/quotes/peeraccepted",
	"POST /rfq/buyoffer/asset-id/{asset_id}",
	"POST /rfq/buyorder/asset-id/{asset_id}",
	"POST /rfq/selloffer/asset-id/{asset_id}",
	"POST /rfq/sellorder/asset-id/{asset_id}",
	"POST /debuglevel",
	"GET /mailbox/info",
	"POST /mailbox/receive",
}

// Config is the Proxy configuration.
type Config struct {
	Upstream   Upstream
	LogBackend *log.Backend

	// Relay serves websocket upgrades of GET /mailbox/receive.
	Relay http.Handler

	// Events serves /events/{kind} and GET /rfq/events, nil disables them.
	Events EventSource

	// AllowOrigin decides which browser origins get CORS headers.
	AllowOrigin func(origin string) bool

	// Now overrides the clock of the health endpoint.
	Now func() time.Time
}

// Proxy is the gateway's root http.Handler.
type Proxy struct {
	log         *logging.Logger
	upstream    Upstream
	relay       http.Handler
	events      EventSource
	allowOrigin func(string) bool
	now         func() time.Time

	mux *http.ServeMux
}

// New returns a Proxy with every route registered.
func New(cfg *Config) *Proxy {
	p := &Proxy{
		log:         cfg.LogBackend.GetLogger("proxy"),
		upstream:    cfg.Upstream,
		relay:       cfg.Relay,
		events:      cfg.Events,
		allowOrigin: cfg.AllowOrigin,
		now:         cfg.Now,
		mux:         http.NewServeMux(),
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.allowOrigin == nil {
		p.allowOrigin = func(string) bool { return true }
	}

	p.mux.HandleFunc("GET /health", p.onHealth)
	p.mux.HandleFunc("GET /readiness", p.onReadiness)
	p.mux.HandleFunc("GET /mailbox/receive", p.onRelay)
	p.mux.HandleFunc("POST /mailbox/send", p.onMailboxSend)
	for _, pattern := range passThrough {
		p.mux.HandleFunc(pattern, p.onForward)
	}
	if p.events != nil {
		p.mux.HandleFunc("POST /events/{kind}", p.onSubscribe)
		p.mux.HandleFunc("GET /events/{kind}", p.onEventStream)
		p.mux.HandleFunc("GET "+events.RFQPath, p.onEventStream)
	}
	return p
}

// ServeHTTP applies CORS, then routes the request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && p.allowOrigin(origin) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	p.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.StatusCode(err), struct {
		Error string `json:"error"`
	}{err.Error()})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierr.NewInvalidInput("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apierr.NewInvalidInput("failed to read request body: %v", err)
	}
	return b, nil
}

func (p *Proxy) onForward(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	p.relayUpstream(w, r, body)
}

func (p *Proxy) relayUpstream(w http.ResponseWriter, r *http.Request, body []byte) {
	resp, err := p.upstream.Forward(r.Context(), r.Method, r.URL.EscapedPath(), r.URL.RawQuery, body)
	if err != nil {
		p.log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, err)
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		p.log.Debugf("%s %s: upstream status %d", r.Method, r.URL.Path, resp.StatusCode)
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *upstream.Response) {
	ct := resp.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (p *Proxy) onHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}{"healthy", p.now().Unix()})
}

func (p *Proxy) onReadiness(w http.ResponseWriter, r *http.Request) {
	type readiness struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	if _, err := p.upstream.GetInfo(r.Context()); err != nil {
		p.log.Warningf("Upstream not ready: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, readiness{"not_ready", err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, readiness{Status: "ready"})
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (p *Proxy) onRelay(w http.ResponseWriter, r *http.Request) {
	if p.relay == nil || !isWebsocketUpgrade(r) {
		writeError(w, apierr.NewInvalidInput("GET /mailbox/receive requires a websocket upgrade"))
		return
	}
	p.relay.ServeHTTP(w, r)
}

func (p *Proxy) onSubscribe(w http.ResponseWriter, r *http.Request) {
	kind, ok := events.ParseKind(r.PathValue("kind"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := p.events.Subscribe(r.Context(), kind, body)
	if err != nil {
		p.log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		writeError(w, err)
		return
	}
	writeResponse(w, resp)
}

func (p *Proxy) onEventStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := events.ParseKind(r.PathValue("kind")); !ok && r.URL.Path != events.RFQPath {
		http.NotFound(w, r)
		return
	}
	if !isWebsocketUpgrade(r) {
		writeError(w, apierr.NewInvalidInput("GET %s requires a websocket upgrade", r.URL.Path))
		return
	}
	p.events.ServeHTTP(w, r)
}

// SendRequest is the body of POST /mailbox/send.
type SendRequest struct {
	ReceiverID        string          `json:"receiver_id"`
	EncryptedPayload  string          `json:"encrypted_payload"`
	TxProof           json.RawMessage `json:"tx_proof,omitempty"`
	ExpiryBlockHeight *uint32         `json:"expiry_block_height,omitempty"`
}

// Validate checks the fields the daemon requires.
func (req *SendRequest) Validate() error {
	switch {
	case req.ReceiverID == "":
		return apierr.NewInvalidInput("missing field receiver_id")
	case req.EncryptedPayload == "":
		return apierr.NewInvalidInput("missing field encrypted_payload")
	}
	return nil
}

func (p *Proxy) onMailboxSend(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req SendRequest
	if err = json.Unmarshal(body, &req); err != nil {
		writeError(w, apierr.NewInvalidInput("malformed send request: %v", err))
		return
	}
	if err = req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	p.relayUpstream(w, r, body)
}
