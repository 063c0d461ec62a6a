// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMonitor(t *testing.T) {
	require := require.New(t)

	p := NewPrometheus()
	var m Monitor = p

	m.ConnectionOpened(1, "127.0.0.1:1234")
	m.ConnectionOpened(2, "127.0.0.1:1235")
	m.MessageReceived(1, 120)
	m.MessageSent(1, 300)
	m.MessageSent(1, 40)
	m.AuthFailure(2, "bad_signature")
	m.RateLimitHit(2)
	m.ReceiverBound(1, "receiver")
	m.ConnectionClosed(2)

	require.Equal(2.0, testutil.ToFloat64(p.connectionsOpened))
	require.Equal(1.0, testutil.ToFloat64(p.connectionsActive))
	require.Equal(1.0, testutil.ToFloat64(p.framesReceived))
	require.Equal(2.0, testutil.ToFloat64(p.framesSent))
	require.Equal(1.0, testutil.ToFloat64(p.rateLimitHits))
	require.Equal(1.0, testutil.ToFloat64(p.authFailures.WithLabelValues("bad_signature")))
	require.Equal(1.0, testutil.ToFloat64(p.authSuccesses))

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	rsp, err := srv.Client().Get(srv.URL)
	require.NoError(err)
	defer rsp.Body.Close()
	b, err := io.ReadAll(rsp.Body)
	require.NoError(err)
	require.Contains(string(b), "tapgate_relay_connections_total 2")
}

func TestNop(t *testing.T) {
	var m Monitor = Nop{}
	m.ConnectionOpened(1, "")
	m.AuthFailure(1, "x")
	m.ConnectionClosed(1)
}
