// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package events implements the daemon event subscriptions: the asset mint,
// receive and send event streams, as a one shot POST or a websocket, and
// the polled RFQ notification websocket.
package events

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/tapgate/tapgate/gateway/internal/apierr"
)

// Kind is an asset event stream.
type Kind string

const (
	AssetMint    Kind = "asset-mint"
	AssetReceive Kind = "asset-receive"
	AssetSend    Kind = "asset-send"
)

const (
	pathPrefix = "/events/"

	// RFQPath is the route of the RFQ notification websocket.
	RFQPath = "/rfq/events"
)

// Kinds lists every asset event stream.
var Kinds = []Kind{AssetMint, AssetReceive, AssetSend}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

func kindFromPath(path string) (Kind, bool) {
	if !strings.HasPrefix(path, pathPrefix) {
		return "", false
	}
	return ParseKind(strings.TrimPrefix(path, pathPrefix))
}

func (k Kind) String() string {
	return string(k)
}

// Path returns the gateway route of the stream, which is also its path
// below the daemon's prefix.
func (k Kind) Path() string {
	return pathPrefix + string(k)
}

// AssetMintRequest is the subscription request of the mint stream.
type AssetMintRequest struct {
	ShortResponse *bool `json:"short_response"`
}

// AssetReceiveRequest is the subscription request of the receive stream.
type AssetReceiveRequest struct {
	FilterAddr     *string `json:"filter_addr,omitempty"`
	StartTimestamp *string `json:"start_timestamp,omitempty"`
}

// AssetSendRequest is the subscription request of the send stream.
type AssetSendRequest struct {
	FilterScriptKey *string `json:"filter_script_key,omitempty"`
	FilterLabel     *string `json:"filter_label,omitempty"`
}

// DecodeRequest validates a JSON subscription request for the stream and
// returns its canonical encoding.
func (k Kind) DecodeRequest(body []byte) ([]byte, error) {
	var req interface{}
	switch k {
	case AssetMint:
		r := new(AssetMintRequest)
		if err := json.Unmarshal(body, r); err != nil {
			return nil, apierr.NewInvalidInput("malformed %v request: %v", k, err)
		}
		if r.ShortResponse == nil {
			return nil, apierr.NewInvalidInput("missing field short_response")
		}
		req = r
	case AssetReceive:
		r := new(AssetReceiveRequest)
		if err := json.Unmarshal(body, r); err != nil {
			return nil, apierr.NewInvalidInput("malformed %v request: %v", k, err)
		}
		req = r
	case AssetSend:
		r := new(AssetSendRequest)
		if err := json.Unmarshal(body, r); err != nil {
			return nil, apierr.NewInvalidInput("malformed %v request: %v", k, err)
		}
		req = r
	default:
		return nil, apierr.NewInvalidInput("unknown event stream %q", string(k))
	}
	return json.Marshal(req)
}

func optional(q url.Values, key string) *string {
	if !q.Has(key) {
		return nil
	}
	v := q.Get(key)
	return &v
}

// RequestFromQuery builds the subscription request of a websocket stream
// from its query parameters.  short_response defaults to false.
func (k Kind) RequestFromQuery(q url.Values) ([]byte, error) {
	var req interface{}
	switch k {
	case AssetMint:
		short := false
		if v := q.Get("short_response"); v != "" {
			var err error
			if short, err = strconv.ParseBool(v); err != nil {
				return nil, apierr.NewInvalidInput("short_response %q is not a boolean", v)
			}
		}
		req = &AssetMintRequest{ShortResponse: &short}
	case AssetReceive:
		req = &AssetReceiveRequest{
			FilterAddr:     optional(q, "filter_addr"),
			StartTimestamp: optional(q, "start_timestamp"),
		}
	case AssetSend:
		req = &AssetSendRequest{
			FilterScriptKey: optional(q, "filter_script_key"),
			FilterLabel:     optional(q, "filter_label"),
		}
	default:
		return nil, apierr.NewInvalidInput("unknown event stream %q", string(k))
	}
	return json.Marshal(req)
}

// errorEvent is sent to a websocket peer in place of an event when the
// daemon can't be reached.
func errorEvent(err error, typ string) []byte {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}{err.Error(), typ})
	return b
}
