// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package externreceiverdb implements the gateway receiver database with
// http calls to an external registration service (expected to run in
// localhost).
package externreceiverdb

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/tapgate/tapgate/core/retry"
	"github.com/tapgate/tapgate/gateway/receiverdb"
)

const (
	lookupEndpoint = "lookup"
	storeEndpoint  = "store"

	requestTimeout = 10 * time.Second
)

var jsonHandle = newJSONHandle()

func newJSONHandle() *codec.JsonHandle {
	h := new(codec.JsonHandle)
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

type externReceiverDB struct {
	provider string
	client   *http.Client
	policy   retry.Policy
}

type statusError int

func (e statusError) Error() string {
	return fmt.Sprintf("receiverdb/extern: unexpected status %d", int(e))
}

func (e *externReceiverDB) do(req func() (*http.Response, error), fn func(*http.Response) error) error {
	return retry.Do(context.Background(), e.policy, func() error {
		rsp, err := req()
		if err != nil {
			return err
		}
		defer rsp.Body.Close()
		return fn(rsp)
	})
}

func (e *externReceiverDB) Lookup(id string) (*receiverdb.ReceiverInfo, error) {
	if err := receiverdb.CheckReceiverID(id); err != nil {
		return nil, err
	}

	var info *receiverdb.ReceiverInfo
	err := e.do(func() (*http.Response, error) {
		return e.client.PostForm(e.provider+"/"+lookupEndpoint, url.Values{"receiver_id": {id}})
	}, func(rsp *http.Response) error {
		switch rsp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return receiverdb.ErrNoSuchReceiver
		default:
			return statusError(rsp.StatusCode)
		}

		response := map[string]*receiverdb.ReceiverInfo{}
		if err := codec.NewDecoder(rsp.Body, jsonHandle).Decode(&response); err != nil {
			return fmt.Errorf("receiverdb/extern: malformed response: %v", err)
		}
		if info = response[lookupEndpoint]; info == nil {
			return receiverdb.ErrNoSuchReceiver
		}
		return nil
	})
	return info, err
}

func (e *externReceiverDB) Store(info *receiverdb.ReceiverInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}

	var body []byte
	if err := codec.NewEncoderBytes(&body, jsonHandle).Encode(info); err != nil {
		return err
	}

	return e.do(func() (*http.Response, error) {
		return e.client.Post(e.provider+"/"+storeEndpoint, "application/json", bytes.NewReader(body))
	}, func(rsp *http.Response) error {
		if rsp.StatusCode != http.StatusOK {
			return statusError(rsp.StatusCode)
		}
		response := map[string]bool{}
		if err := codec.NewDecoder(rsp.Body, jsonHandle).Decode(&response); err != nil {
			return fmt.Errorf("receiverdb/extern: malformed response: %v", err)
		}
		if !response[storeEndpoint] {
			return fmt.Errorf("receiverdb/extern: store of %q refused", info.ReceiverID)
		}
		return nil
	})
}

func (e *externReceiverDB) Close() {
	e.client.CloseIdleConnections()
}

// New creates an external receiver database with the given provider URL.
func New(provider string) (receiverdb.ReceiverDB, error) {
	if _, err := url.Parse(provider); err != nil {
		return nil, err
	}
	return &externReceiverDB{
		provider: strings.TrimRight(provider, "/"),
		client:   &http.Client{Timeout: requestTimeout},
		policy:   retry.DefaultPolicy,
	}, nil
}
