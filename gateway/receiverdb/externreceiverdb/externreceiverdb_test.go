// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package externreceiverdb

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tapgate/tapgate/gateway/receiverdb"
)

type mockProvider struct {
	sync.Mutex
	records map[string]*receiverdb.ReceiverInfo
}

func (m *mockProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.Lock()
	defer m.Unlock()

	switch r.URL.Path {
	case "/lookup":
		info, ok := m.records[r.FormValue("receiver_id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"lookup": info})
	case "/store":
		info := new(receiverdb.ReceiverInfo)
		if err := json.NewDecoder(r.Body).Decode(info); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.records[info.ReceiverID] = info
		json.NewEncoder(w).Encode(map[string]bool{"store": true})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestExternReceiverDB(t *testing.T) {
	require := require.New(t)

	provider := &mockProvider{records: make(map[string]*receiverdb.ReceiverInfo)}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	db, err := New(srv.URL + "/")
	require.NoError(err)
	defer db.Close()

	_, err = db.Lookup("receiver-x")
	require.ErrorIs(err, receiverdb.ErrNoSuchReceiver)

	info := &receiverdb.ReceiverInfo{
		ReceiverID: "receiver-x",
		PublicKey:  "02aa",
		CreatedAt:  10,
		LastSeen:   20,
		IsActive:   true,
		Metadata:   map[string]interface{}{"auth_method": "mailbox"},
	}
	require.NoError(db.Store(info))

	got, err := db.Lookup("receiver-x")
	require.NoError(err)
	require.Equal(info, got)

	require.NoError(receiverdb.Deactivate(db, "receiver-x"))
	got, err = db.Lookup("receiver-x")
	require.NoError(err)
	require.False(got.IsActive)
}

func TestExternReceiverDBFailures(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db, err := New(srv.URL)
	require.NoError(err)

	_, err = db.Lookup("receiver-x")
	require.Error(err)
	require.Error(db.Store(&receiverdb.ReceiverInfo{ReceiverID: "receiver-x", PublicKey: "02aa"}))
	require.ErrorIs(db.Store(&receiverdb.ReceiverInfo{}), receiverdb.ErrInvalidReceiverID)
}
