// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/core/worker"
	"github.com/tapgate/tapgate/gateway/config"
	"github.com/tapgate/tapgate/gateway/internal/apierr"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
)

const (
	sendTimeout = 30 * time.Second

	// streamQuery asks the daemon's websocket proxy to issue the streaming
	// call as a POST.
	streamQuery = "method=POST"
)

var timeoutBody = []byte(`{"events":[],"timeout":true,"message":"No events received within timeout period"}`)

// pingCodec sends ping frames under the connection's write lock.
var pingCodec = websocket.Codec{
	Marshal: func(v interface{}) ([]byte, byte, error) {
		b, ok := v.([]byte)
		if !ok {
			return nil, 0, fmt.Errorf("events: can't ping with %T", v)
		}
		return b, websocket.PingFrame, nil
	},
}

// Upstream is the subset of the daemon client used by event subscriptions.
type Upstream interface {
	Subscribe(ctx context.Context, timeout time.Duration, path string, body []byte) (*upstream.Response, error)
	Notifications(ctx context.Context) (json.RawMessage, error)
	DialStream(ctx context.Context, path, rawQuery string) (*websocket.Conn, error)
}

// Config is the Handler configuration.
type Config struct {
	Events     *config.Events
	Upstream   Upstream
	LogBackend *log.Backend

	// MaxFrameSize bounds inbound websocket frames, 0 is unbounded.
	MaxFrameSize int

	// AllowOrigin decides whether a websocket may be opened from a given
	// Origin.  nil allows all.
	AllowOrigin func(origin string) bool
}

// Handler serves event subscriptions.  Its websockets run as workers so
// that Halt ends them.
type Handler struct {
	worker.Worker

	log         *logging.Logger
	upstream    Upstream
	allowOrigin func(string) bool

	subscribeTimeout time.Duration
	rfqPollInterval  time.Duration
	keepalive        time.Duration
	maxFrameSize     int

	server websocket.Server
}

// New returns a Handler.
func New(cfg *Config) *Handler {
	h := &Handler{
		log:              cfg.LogBackend.GetLogger("events"),
		upstream:         cfg.Upstream,
		allowOrigin:      cfg.AllowOrigin,
		subscribeTimeout: cfg.Events.SubscribeTimeoutDuration(),
		rfqPollInterval:  cfg.Events.RFQPollIntervalDuration(),
		keepalive:        cfg.Events.KeepaliveIntervalDuration(),
		maxFrameSize:     cfg.MaxFrameSize,
	}
	h.server = websocket.Server{
		Handshake: h.handshake,
		Handler:   h.onConn,
	}
	return h
}

// Subscribe posts a one shot subscription to the kind's stream.  A daemon
// that sends nothing before the subscribe timeout yields an empty event
// list rather than an error.
func (h *Handler) Subscribe(ctx context.Context, kind Kind, body []byte) (*upstream.Response, error) {
	req, err := kind.DecodeRequest(body)
	if err != nil {
		return nil, err
	}
	h.log.Debugf("Subscribing to %v events.", kind)

	rsp, err := h.upstream.Subscribe(ctx, h.subscribeTimeout, kind.Path(), req)
	switch {
	case err != nil && upstream.IsTimeout(err) && ctx.Err() == nil:
		h.log.Warningf("%v subscription timed out.", kind)
		return &upstream.Response{StatusCode: http.StatusOK, ContentType: "application/json", Body: timeoutBody}, nil
	case err != nil:
		return nil, err
	case rsp.StatusCode < 200 || rsp.StatusCode > 299:
		return nil, apierr.NewValidation(kind.String()+" subscription failed", &upstream.StatusError{
			Code: rsp.StatusCode,
			Body: string(bytes.TrimSpace(rsp.Body)),
		})
	}
	return rsp, nil
}

// ServeHTTP upgrades the request to an event websocket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

func (h *Handler) handshake(_ *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if h.allowOrigin != nil && !h.allowOrigin(origin) {
		h.log.Debugf("Rejecting websocket from origin %q.", origin)
		return fmt.Errorf("events: origin %q not allowed", origin)
	}
	return nil
}

func (h *Handler) onConn(ws *websocket.Conn) {
	ws.MaxPayloadBytes = h.maxFrameSize
	path := ws.Request().URL.Path

	doneCh := make(chan struct{})
	h.Go(func() {
		defer close(doneCh)
		if path == RFQPath {
			h.pollRFQ(ws)
			return
		}
		kind, ok := kindFromPath(path)
		if !ok {
			h.log.Debugf("No event stream at %v.", path)
			return
		}
		h.proxyStream(ws, kind)
	})
	<-doneCh
}

func send(ws *websocket.Conn, b []byte) error {
	ws.SetWriteDeadline(time.Now().Add(sendTimeout))
	return websocket.Message.Send(ws, string(b))
}

func ping(ws *websocket.Conn) error {
	ws.SetWriteDeadline(time.Now().Add(sendTimeout))
	return pingCodec.Send(ws, []byte("ping"))
}

// keepaliveLoop pings ws until ctx is done or a ping fails.
func (h *Handler) keepaliveLoop(ctx context.Context, ws *websocket.Conn) {
	t := time.NewTicker(h.keepalive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := ping(ws); err != nil {
				h.log.Debugf("Failed to ping: %v", err)
				return
			}
		}
	}
}

// proxyStream relays a daemon event stream.  The subscription request
// built from the query goes upstream first, then frames are copied both
// ways until either side closes.
func (h *Handler) proxyStream(ws *websocket.Conn, kind Kind) {
	h.log.Debugf("Accepted %v stream from %v.", kind, ws.Request().RemoteAddr)
	defer h.log.Debugf("Closed %v stream.", kind)

	req, err := kind.RequestFromQuery(ws.Request().URL.Query())
	if err != nil {
		send(ws, errorEvent(err, "event_request_error"))
		return
	}

	ctx, cancel := context.WithCancel(h.Context())
	defer cancel()

	up, err := h.upstream.DialStream(ctx, kind.Path(), streamQuery)
	if err != nil {
		h.log.Warningf("Failed to open %v stream: %v", kind, err)
		send(ws, errorEvent(err, "event_stream_error"))
		return
	}
	defer up.Close()
	if err = send(up, req); err != nil {
		h.log.Warningf("Failed to send %v subscription: %v", kind, err)
		return
	}

	copyFrames := func(dst, src *websocket.Conn) {
		defer cancel()
		for {
			var msg []byte
			if err := websocket.Message.Receive(src, &msg); err != nil {
				return
			}
			if err := send(dst, msg); err != nil {
				return
			}
		}
	}
	go copyFrames(ws, up)
	go copyFrames(up, ws)

	h.keepaliveLoop(ctx, ws)
}

// pollRFQ acknowledges the websocket with "{}", then sends the daemon's RFQ
// notifications every poll interval.  A failed poll is reported to the peer
// and polling goes on.
func (h *Handler) pollRFQ(ws *websocket.Conn) {
	h.log.Debugf("Accepted RFQ event stream from %v.", ws.Request().RemoteAddr)
	defer h.log.Debugf("Closed RFQ event stream.")

	if err := send(ws, []byte("{}")); err != nil {
		h.log.Debugf("Failed to acknowledge: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(h.Context())
	defer cancel()

	// Peer frames carry nothing, reading them only notices the close.
	go func() {
		defer cancel()
		for {
			var msg []byte
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
		}
	}()
	go h.keepaliveLoop(ctx, ws)

	poll := func() bool {
		b, err := h.upstream.Notifications(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			h.log.Errorf("Failed to fetch RFQ notifications: %v", err)
			b = errorEvent(err, "rfq_notification_error")
		}
		return send(ws, b) == nil
	}

	t := time.NewTicker(h.rfqPollInterval)
	defer t.Stop()
	for ok := poll(); ok; {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok = poll()
		}
	}
}
