// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/gateway/internal/apierr"
	"github.com/tapgate/tapgate/gateway/internal/events"
	"github.com/tapgate/tapgate/gateway/internal/upstream"
)

type forwarded struct {
	method, path, query string
	body                string
}

type fakeUpstream struct {
	calls   []forwarded
	resp    *upstream.Response
	err     error
	infoErr error
}

func (u *fakeUpstream) Forward(_ context.Context, method, path, rawQuery string, body []byte) (*upstream.Response, error) {
	u.calls = append(u.calls, forwarded{method, path, rawQuery, string(body)})
	if u.err != nil {
		return nil, u.err
	}
	if u.resp != nil {
		return u.resp, nil
	}
	return &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok": true}`)}, nil
}

func (u *fakeUpstream) GetInfo(context.Context) (json.RawMessage, error) {
	if u.infoErr != nil {
		return nil, u.infoErr
	}
	return json.RawMessage(`{"version": "0.6.0"}`), nil
}

func newTestProxy(t *testing.T, u Upstream, relay http.Handler) *Proxy {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return New(&Config{
		Upstream:    u,
		LogBackend:  backend,
		Relay:       relay,
		AllowOrigin: func(origin string) bool { return origin == "https://wallet.example" },
		Now:         func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func do(p http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	require := require.New(t)
	p := newTestProxy(t, &fakeUpstream{}, nil)

	rr := do(p, http.MethodGet, "/health", "")
	require.Equal(http.StatusOK, rr.Code)
	require.JSONEq(`{"status": "healthy", "timestamp": 1700000000}`, rr.Body.String())
}

func TestReadiness(t *testing.T) {
	require := require.New(t)

	u := &fakeUpstream{}
	p := newTestProxy(t, u, nil)
	rr := do(p, http.MethodGet, "/readiness", "")
	require.Equal(http.StatusOK, rr.Code)
	require.JSONEq(`{"status": "ready"}`, rr.Body.String())

	u.infoErr = apierr.NewRequest("getinfo", errors.New("connection refused"))
	rr = do(p, http.MethodGet, "/readiness", "")
	require.Equal(http.StatusServiceUnavailable, rr.Code)
	var out map[string]string
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal("not_ready", out["status"])
	require.Contains(out["error"], "connection refused")
}

func TestPassThrough(t *testing.T) {
	require := require.New(t)

	u := &fakeUpstream{}
	p := newTestProxy(t, u, nil)

	for _, tc := range []struct {
		method, target, body string
		path, query          string
	}{
		{http.MethodGet, "/getinfo", "", "/getinfo", ""},
		{http.MethodGet, "/assets?with_witness=true", "", "/assets", "with_witness=true"},
		{http.MethodPost, "/assets", `{"asset": {"name": "coin"}}`, "/assets", ""},
		{http.MethodPost, "/rfq/buyoffer/asset-id/00ff", `{"max_units": 10}`, "/rfq/buyoffer/asset-id/00ff", ""},
		{http.MethodGet, "/rfq/quotes/peeraccepted", "", "/rfq/quotes/peeraccepted", ""},
		{http.MethodPost, "/mailbox/receive", `{"init": {}}`, "/mailbox/receive", ""},
	} {
		u.calls = nil
		rr := do(p, tc.method, tc.target, tc.body)
		require.Equal(http.StatusOK, rr.Code, tc.target)
		require.Equal("application/json", rr.Header().Get("Content-Type"))
		require.Equal([]forwarded{{tc.method, tc.path, tc.query, tc.body}}, u.calls)
	}

	// Wrong method, unknown route.
	require.Equal(http.StatusMethodNotAllowed, do(p, http.MethodPost, "/getinfo", "").Code)
	require.Equal(http.StatusNotFound, do(p, http.MethodGet, "/nope", "").Code)
}

func TestUpstreamStatusRelayed(t *testing.T) {
	require := require.New(t)

	u := &fakeUpstream{resp: &upstream.Response{
		StatusCode:  http.StatusNotFound,
		ContentType: "text/plain",
		Body:        []byte("no such asset"),
	}}
	p := newTestProxy(t, u, nil)
	rr := do(p, http.MethodGet, "/assets/balance", "")
	require.Equal(http.StatusNotFound, rr.Code)
	require.Equal("text/plain", rr.Header().Get("Content-Type"))
	require.Equal("no such asset", rr.Body.String())

	u.err = apierr.NewRequest("forward", errors.New("connection refused"))
	rr = do(p, http.MethodGet, "/assets/balance", "")
	require.Equal(http.StatusInternalServerError, rr.Code)
	require.Contains(rr.Body.String(), `"error"`)
}

func TestMailboxSend(t *testing.T) {
	require := require.New(t)

	u := &fakeUpstream{}
	p := newTestProxy(t, u, nil)

	for _, body := range []string{
		`not json`,
		`{"encrypted_payload": "AAEC"}`,
		`{"receiver_id": "receiver-01"}`,
	} {
		rr := do(p, http.MethodPost, "/mailbox/send", body)
		require.Equal(http.StatusBadRequest, rr.Code, body)
	}
	require.Empty(u.calls)

	body := `{"receiver_id": "receiver-01", "encrypted_payload": "AAEC", "expiry_block_height": 900000}`
	rr := do(p, http.MethodPost, "/mailbox/send", body)
	require.Equal(http.StatusOK, rr.Code)
	require.Equal([]forwarded{{http.MethodPost, "/mailbox/send", "", body}}, u.calls)
}

func TestBodyTooLarge(t *testing.T) {
	require := require.New(t)

	u := &fakeUpstream{}
	p := newTestProxy(t, u, nil)
	rr := do(p, http.MethodPost, "/burn", strings.Repeat("a", MaxBodySize+1))
	require.Equal(http.StatusBadRequest, rr.Code)
	require.Empty(u.calls)
}

func TestCORS(t *testing.T) {
	require := require.New(t)
	p := newTestProxy(t, &fakeUpstream{}, nil)

	rr := do(p, http.MethodOptions, "/assets", "", "Origin", "https://wallet.example")
	require.Equal(http.StatusNoContent, rr.Code)
	require.Equal("https://wallet.example", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = do(p, http.MethodGet, "/health", "", "Origin", "https://evil.example")
	require.Equal(http.StatusOK, rr.Code)
	require.Empty(rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRelayRoute(t *testing.T) {
	require := require.New(t)

	relayed := false
	relay := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		relayed = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	p := newTestProxy(t, &fakeUpstream{}, relay)

	rr := do(p, http.MethodGet, "/mailbox/receive", "")
	require.Equal(http.StatusBadRequest, rr.Code)
	require.False(relayed)

	rr = do(p, http.MethodGet, "/mailbox/receive", "", "Upgrade", "websocket", "Connection", "Upgrade")
	require.Equal(http.StatusSwitchingProtocols, rr.Code)
	require.True(relayed)
}

type subscribed struct {
	kind events.Kind
	body string
}

type fakeEvents struct {
	subscriptions []subscribed
	streams       []string
	err           error
}

func (e *fakeEvents) Subscribe(_ context.Context, kind events.Kind, body []byte) (*upstream.Response, error) {
	e.subscriptions = append(e.subscriptions, subscribed{kind, string(body)})
	if e.err != nil {
		return nil, e.err
	}
	return &upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"events": []}`)}, nil
}

func (e *fakeEvents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.streams = append(e.streams, r.URL.Path)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func TestEventRoutes(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	ev := &fakeEvents{}
	p := New(&Config{Upstream: &fakeUpstream{}, LogBackend: backend, Events: ev})

	rr := do(p, http.MethodPost, "/events/asset-mint", `{"short_response": true}`)
	require.Equal(http.StatusOK, rr.Code)
	require.JSONEq(`{"events": []}`, rr.Body.String())
	require.Equal([]subscribed{{events.AssetMint, `{"short_response": true}`}}, ev.subscriptions)

	require.Equal(http.StatusNotFound, do(p, http.MethodPost, "/events/asset-burn", `{}`).Code)

	ev.err = apierr.NewInvalidInput("missing field short_response")
	require.Equal(http.StatusBadRequest, do(p, http.MethodPost, "/events/asset-mint", `{}`).Code)

	// The websocket routes require an upgrade.
	for _, target := range []string{"/events/asset-receive", "/events/asset-send", "/rfq/events"} {
		require.Equal(http.StatusBadRequest, do(p, http.MethodGet, target, "").Code, target)
		rr = do(p, http.MethodGet, target, "", "Upgrade", "websocket", "Connection", "Upgrade")
		require.Equal(http.StatusSwitchingProtocols, rr.Code, target)
	}
	require.Equal([]string{"/events/asset-receive", "/events/asset-send", "/rfq/events"}, ev.streams)
	require.Equal(http.StatusNotFound, do(p, http.MethodGet, "/events/nope", "", "Upgrade", "websocket").Code)

	// Without an event source the routes don't exist.
	p = newTestProxy(t, &fakeUpstream{}, nil)
	require.Equal(http.StatusNotFound, do(p, http.MethodPost, "/events/asset-mint", `{}`).Code)
	require.Equal(http.StatusNotFound, do(p, http.MethodGet, "/rfq/events", "").Code)
}
