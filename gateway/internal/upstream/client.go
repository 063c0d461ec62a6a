// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package upstream implements the HTTP client of the taproot-assets daemon.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/tapgate/tapgate/core/log"
	"github.com/tapgate/tapgate/gateway/config"
	"github.com/tapgate/tapgate/gateway/internal/apierr"
)

const (
	// MacaroonHeader carries the hex encoded macaroon on every request.
	MacaroonHeader = "Grpc-Metadata-macaroon"

	mailboxInfoPath    = "/mailbox/info"
	mailboxReceivePath = "/mailbox/receive"
	getInfoPath        = "/getinfo"
	rfqNotifyPath      = "/rfq/ntfs"

	maxResponseSize = 16 << 20
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: status %d", e.Code)
	}
	return fmt.Sprintf("upstream: status %d: %s", e.Code, e.Body)
}

// MailboxInfo is the response of the mailbox capability probe.
type MailboxInfo struct {
	// MailboxEnabled is nil when the daemon doesn't report the flag.
	MailboxEnabled *bool `json:"mailbox_enabled"`

	Raw json.RawMessage `json:"-"`
}

// Enabled returns false iff the daemon reports the mailbox as disabled.
func (i *MailboxInfo) Enabled() bool {
	return i.MailboxEnabled == nil || *i.MailboxEnabled
}

// ReceiveRequest is the body of a mailbox receive call.
type ReceiveRequest struct {
	Init    json.RawMessage `json:"init"`
	AuthSig json.RawMessage `json:"auth_sig"`
}

// Response is a relayed upstream response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Client talks to the daemon's REST gateway.  It is safe for concurrent use.
type Client struct {
	log    *logging.Logger
	http   *http.Client
	tlsCfg *tls.Config

	baseURL  string
	macaroon string

	requestTimeout time.Duration
	probeTimeout   time.Duration
}

// New returns a Client for the configured daemon.
func New(cfg *config.Upstream, logBackend *log.Backend) (*Client, error) {
	macaroon := cfg.MacaroonHex
	if macaroon == "" {
		b, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, apierr.NewConfig("failed to read macaroon: %v", err)
		}
		macaroon = hex.EncodeToString(b)
	} else if _, err := hex.DecodeString(macaroon); err != nil {
		return nil, apierr.NewConfig("MacaroonHex is not hex: %v", err)
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// The daemon's certificate is self signed unless verification is
		// configured.
		InsecureSkipVerify: !cfg.TLSVerify,
	}
	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, apierr.NewConfig("failed to read CA bundle: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apierr.NewConfig("no certificates in %v", cfg.CACertFile)
		}
		tlsCfg.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg

	return &Client{
		log:            logBackend.GetLogger("upstream"),
		http:           &http.Client{Transport: transport},
		tlsCfg:         tlsCfg,
		baseURL:        cfg.URL + cfg.PathPrefix,
		macaroon:       macaroon,
		requestTimeout: cfg.RequestTimeoutDuration(),
		probeTimeout:   cfg.ProbeTimeoutDuration(),
	}, nil
}

func (c *Client) roundTrip(ctx context.Context, timeout time.Duration, method, path, rawQuery string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, apierr.NewConfig("invalid upstream request: %v", err)
	}
	req.Header.Set(MacaroonHeader, c.macaroon)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.NewRequest(method+" "+path, err)
	}
	defer rsp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(rsp.Body, maxResponseSize))
	if err != nil {
		return nil, apierr.NewRequest(method+" "+path, err)
	}
	c.log.Debugf("%s %s -> %d (%d bytes)", method, path, rsp.StatusCode, len(b))
	return &Response{
		StatusCode:  rsp.StatusCode,
		ContentType: rsp.Header.Get("Content-Type"),
		Body:        b,
	}, nil
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method, path string, body []byte) ([]byte, error) {
	rsp, err := c.roundTrip(ctx, timeout, method, path, "", body)
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		return nil, apierr.NewValidation(method+" "+path, &StatusError{Code: rsp.StatusCode, Body: string(bytes.TrimSpace(rsp.Body))})
	}
	return rsp.Body, nil
}

// MailboxInfo probes the mailbox capability of the daemon, bounded by the
// probe timeout.
func (c *Client) MailboxInfo(ctx context.Context) (*MailboxInfo, error) {
	b, err := c.call(ctx, c.probeTimeout, http.MethodGet, mailboxInfoPath, nil)
	if err != nil {
		return nil, err
	}
	info := &MailboxInfo{Raw: b}
	if err := json.Unmarshal(b, info); err != nil {
		return nil, apierr.NewRequest("decode mailbox info", err)
	}
	return info, nil
}

// Receive fetches the messages addressed to the receiver of req.
func (c *Client) Receive(ctx context.Context, req *ReceiveRequest) ([]json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apierr.NewInvalidInput("unencodable receive request: %v", err)
	}
	b, err := c.call(ctx, c.requestTimeout, http.MethodPost, mailboxReceivePath, body)
	if err != nil {
		return nil, err
	}
	msgs, err := DecodeMessages(b)
	if err != nil {
		return nil, apierr.NewRequest("decode receive response", err)
	}
	return msgs, nil
}

// GetInfo returns the daemon's node information.
func (c *Client) GetInfo(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, c.probeTimeout, http.MethodGet, getInfoPath, nil)
}

// Forward relays a request and returns the daemon's response whatever its
// status.  Only transport failures are returned as errors.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, body []byte) (*Response, error) {
	return c.roundTrip(ctx, c.requestTimeout, method, path, rawQuery, body)
}

// Subscribe posts an event subscription and waits up to timeout for the
// daemon to answer.  As with Forward, a non-2xx response is not an error.
func (c *Client) Subscribe(ctx context.Context, timeout time.Duration, path string, body []byte) (*Response, error) {
	return c.roundTrip(ctx, timeout, http.MethodPost, path, "", body)
}

// Notifications returns the pending RFQ notifications.
func (c *Client) Notifications(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, c.requestTimeout, http.MethodPost, rfqNotifyPath, []byte("{}"))
}

// DialStream opens a websocket to a streaming daemon endpoint.  The dial is
// bounded by the request timeout, the returned connection is not.
func (c *Client) DialStream(ctx context.Context, path, rawQuery string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, apierr.NewConfig("invalid upstream stream path %q: %v", path, err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.RawQuery = rawQuery

	wsCfg, err := websocket.NewConfig(u.String(), c.baseURL)
	if err != nil {
		return nil, apierr.NewConfig("invalid upstream stream URL: %v", err)
	}
	wsCfg.Header.Set(MacaroonHeader, c.macaroon)
	wsCfg.TlsConfig = c.tlsCfg

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	ws, err := wsCfg.DialContext(ctx)
	if err != nil {
		return nil, apierr.NewRequest("dial "+path, err)
	}
	c.log.Debugf("Opened stream %s.", path)
	return ws, nil
}

// IsTimeout returns true iff err is an upstream call that ran out of time.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// DecodeMessages accepts either {"messages": [...]} or a bare array.
func DecodeMessages(b []byte) ([]json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("upstream: empty receive response")
	}

	var msgs []json.RawMessage
	if b[0] == '[' {
		if err := json.Unmarshal(b, &msgs); err != nil {
			return nil, err
		}
		return msgs, nil
	}

	var wrapped struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Messages, nil
}

// MessageID returns the id field of an upstream message, which may be a
// string or a number, or "" if there is none.
func MessageID(msg json.RawMessage) string {
	var m struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(msg, &m); err != nil || len(m.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n.String()
	}
	return ""
}
