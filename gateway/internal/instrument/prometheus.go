// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tapgate"

var frameSizeBuckets = prometheus.ExponentialBuckets(64, 4, 7)

// Prometheus is a Monitor exporting relay metrics.  Receiver identities and
// connection ids are never used as labels.
type Prometheus struct {
	registry *prometheus.Registry

	connectionsOpened prometheus.Counter
	connectionsActive prometheus.Gauge
	framesReceived    prometheus.Counter
	framesSent        prometheus.Counter
	receivedSize      prometheus.Histogram
	sentSize          prometheus.Histogram
	rateLimitHits     prometheus.Counter
	authFailures      *prometheus.CounterVec
	authSuccesses     prometheus.Counter
}

// NewPrometheus returns a Prometheus monitor with its own registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connections_total",
			Help:      "Number of accepted relay websocket connections",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections_active",
			Help:      "Number of open relay websocket connections",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_received_total",
			Help:      "Number of inbound relay frames",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_sent_total",
			Help:      "Number of outbound relay frames",
		}),
		receivedSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_frame_received_bytes",
			Help:      "Size of inbound relay frames",
			Buckets:   frameSizeBuckets,
		}),
		sentSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_frame_sent_bytes",
			Help:      "Size of outbound relay frames",
			Buckets:   frameSizeBuckets,
		}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rate_limit_hits_total",
			Help:      "Number of connections closed for exceeding the frame rate",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_auth_failures_total",
			Help:      "Number of rejected authentications",
		}, []string{"reason"}),
		authSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_auth_successes_total",
			Help:      "Number of successful authentications",
		}),
	}

	p.registry.MustRegister(
		p.connectionsOpened,
		p.connectionsActive,
		p.framesReceived,
		p.framesSent,
		p.receivedSize,
		p.sentSize,
		p.rateLimitHits,
		p.authFailures,
		p.authSuccesses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler returns the HTTP handler exposing the metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) ConnectionOpened(uint64, string) {
	p.connectionsOpened.Inc()
	p.connectionsActive.Inc()
}

func (p *Prometheus) ConnectionClosed(uint64) {
	p.connectionsActive.Dec()
}

func (p *Prometheus) MessageReceived(_ uint64, size int) {
	p.framesReceived.Inc()
	p.receivedSize.Observe(float64(size))
}

func (p *Prometheus) MessageSent(_ uint64, size int) {
	p.framesSent.Inc()
	p.sentSize.Observe(float64(size))
}

func (p *Prometheus) RateLimitHit(uint64) {
	p.rateLimitHits.Inc()
}

func (p *Prometheus) AuthFailure(_ uint64, reason string) {
	p.authFailures.WithLabelValues(reason).Inc()
}

func (p *Prometheus) ReceiverBound(uint64, string) {
	p.authSuccesses.Inc()
}
