// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/gateway/config"
	"github.com/tapgate/tapgate/gateway/internal/apierr"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
)

const testOrigin = "http://localhost"

type daemon struct {
	subscriptions chan string
	rfqPolls      int32
}

// newDaemon serves the event endpoints of a taproot-assets daemon.  The
// mint stream answers its subscription with two events, then echoes.
func newDaemon(t *testing.T) (*daemon, *httptest.Server) {
	check := assert.New(t)
	d := &daemon{subscriptions: make(chan string, 4)}

	mintStream := websocket.Handler(func(ws *websocket.Conn) {
		check.Equal("0201", ws.Request().Header.Get(upstream.MacaroonHeader))
		check.Equal("POST", ws.Request().URL.Query().Get("method"))

		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		d.subscriptions <- msg
		websocket.Message.Send(ws, `{"result": {"n": 1}}`)
		websocket.Message.Send(ws, `{"result": {"n": 2}}`)
		for {
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			websocket.Message.Send(ws, `{"echo": "`+msg+`"}`)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/taproot-assets/events/asset-mint", func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			mintStream.ServeHTTP(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		d.subscriptions <- string(b)
		w.Write([]byte(`{"event": {"batch_key": "02aa"}}`))
	})
	mux.HandleFunc("/v1/taproot-assets/events/asset-receive", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "receive events unavailable", http.StatusInternalServerError)
	})
	mux.HandleFunc("/v1/taproot-assets/events/asset-send", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	mux.HandleFunc("/v1/taproot-assets/rfq/ntfs", func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&d.rfqPolls, 1) == 2 {
			http.Error(w, "rfq subsystem down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"events": [{"peer_accepted_buy_quote": {}}]}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return d, srv
}

func newTestHandler(t *testing.T, daemonURL string) *Handler {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	c, err := upstream.New(&config.Upstream{
		URL:            daemonURL,
		PathPrefix:     "/v1/taproot-assets",
		MacaroonHex:    "0201",
		RequestTimeout: 2,
		ProbeTimeout:   1,
	}, backend)
	require.NoError(t, err)

	eCfg := &config.Events{SubscribeTimeout: 1, RFQPollInterval: 1, KeepaliveInterval: 1}
	h := New(&Config{
		Events:       eCfg,
		Upstream:     c,
		LogBackend:   backend,
		MaxFrameSize: 1024,
		AllowOrigin:  func(origin string) bool { return origin == testOrigin },
	})
	h.subscribeTimeout = 100 * time.Millisecond
	h.rfqPollInterval = 20 * time.Millisecond
	t.Cleanup(h.Halt)
	return h
}

func dial(t *testing.T, srv *httptest.Server, target string) *websocket.Conn {
	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+target, "", testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	ws.SetDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func recv(t *testing.T, ws *websocket.Conn) string {
	var msg string
	require.NoError(t, websocket.Message.Receive(ws, &msg))
	return msg
}

func TestSubscribe(t *testing.T) {
	require := require.New(t)

	d, daemonSrv := newDaemon(t)
	h := newTestHandler(t, daemonSrv.URL)
	ctx := context.Background()

	rsp, err := h.Subscribe(ctx, AssetMint, []byte(`{"short_response": true}`))
	require.NoError(err)
	require.Equal(http.StatusOK, rsp.StatusCode)
	require.JSONEq(`{"event": {"batch_key": "02aa"}}`, string(rsp.Body))
	require.JSONEq(`{"short_response": true}`, <-d.subscriptions)

	_, err = h.Subscribe(ctx, AssetMint, []byte(`{}`))
	require.True(apierr.Is(err, apierr.InvalidInput))

	// A daemon that sends nothing in time yields an empty event list.
	rsp, err = h.Subscribe(ctx, AssetSend, []byte(`{"filter_label": "payroll"}`))
	require.NoError(err)
	require.Equal(http.StatusOK, rsp.StatusCode)
	require.JSONEq(`{"events": [], "timeout": true, "message": "No events received within timeout period"}`, string(rsp.Body))

	_, err = h.Subscribe(ctx, AssetReceive, []byte(`{}`))
	require.True(apierr.Is(err, apierr.Validation))
	require.Contains(err.Error(), "receive events unavailable")
}

func TestEventStream(t *testing.T) {
	require := require.New(t)

	d, daemonSrv := newDaemon(t)
	h := newTestHandler(t, daemonSrv.URL)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws := dial(t, srv, "/events/asset-mint?short_response=true")
	require.JSONEq(`{"result": {"n": 1}}`, recv(t, ws))
	require.JSONEq(`{"result": {"n": 2}}`, recv(t, ws))
	require.JSONEq(`{"short_response": true}`, <-d.subscriptions)

	require.NoError(websocket.Message.Send(ws, "more"))
	require.JSONEq(`{"echo": "more"}`, recv(t, ws))
}

func TestEventStreamFailures(t *testing.T) {
	_, daemonSrv := newDaemon(t)
	h := newTestHandler(t, daemonSrv.URL)
	srv := httptest.NewServer(h)
	defer srv.Close()

	for _, tc := range []struct {
		target, typ string
	}{
		{"/events/asset-mint?short_response=maybe", "event_request_error"},
		{"/events/asset-receive", "event_stream_error"},
	} {
		t.Run(tc.typ, func(t *testing.T) {
			require := require.New(t)

			ws := dial(t, srv, tc.target)
			var ev struct {
				Error string `json:"error"`
				Type  string `json:"type"`
			}
			require.NoError(json.Unmarshal([]byte(recv(t, ws)), &ev))
			require.Equal(tc.typ, ev.Type)
			require.NotEmpty(ev.Error)

			var msg string
			require.Error(websocket.Message.Receive(ws, &msg))
		})
	}

	_, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/rfq/events", "", "https://evil.example")
	require.Error(t, err)
}

func TestRFQEvents(t *testing.T) {
	require := require.New(t)

	_, daemonSrv := newDaemon(t)
	h := newTestHandler(t, daemonSrv.URL)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws := dial(t, srv, RFQPath)
	require.Equal("{}", recv(t, ws))
	require.JSONEq(`{"events": [{"peer_accepted_buy_quote": {}}]}`, recv(t, ws))

	// A failed poll is reported and polling goes on.
	var ev map[string]string
	require.NoError(json.Unmarshal([]byte(recv(t, ws)), &ev))
	require.Equal("rfq_notification_error", ev["type"])
	require.Contains(ev["error"], "rfq subsystem down")

	require.JSONEq(`{"events": [{"peer_accepted_buy_quote": {}}]}`, recv(t, ws))

	// Peer frames are ignored.
	require.NoError(websocket.Message.Send(ws, "hello"))
	require.JSONEq(`{"events": [{"peer_accepted_buy_quote": {}}]}`, recv(t, ws))
}

func TestHaltEndsStreams(t *testing.T) {
	require := require.New(t)

	_, daemonSrv := newDaemon(t)
	h := newTestHandler(t, daemonSrv.URL)
	h.rfqPollInterval = time.Hour
	srv := httptest.NewServer(h)
	defer srv.Close()

	rfq := dial(t, srv, RFQPath)
	require.Equal("{}", recv(t, rfq))
	recv(t, rfq)

	mint := dial(t, srv, "/events/asset-mint")
	recv(t, mint)
	recv(t, mint)

	done := make(chan struct{})
	go func() {
		h.Halt()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Halt blocked on open event streams")
	}

	var msg string
	require.Error(websocket.Message.Receive(rfq, &msg))
	require.Error(websocket.Message.Receive(mint, &msg))
}
