// SPDX-License-Identifier: MIT

// Package metrics registers the proxy's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts classified client requests by kind and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frlproxy_requests_total",
		Help: "Classified client requests by kind, mode and outcome.",
	}, []string{"kind", "mode", "outcome"})

	// CacheHitsTotal counts activation requests answered from the cache.
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frlproxy_cache_hits_total",
		Help: "FRL requests answered from the response cache.",
	})

	// ForwardAttemptsTotal counts forward attempts by target and result.
	ForwardAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "frlproxy_forward_attempts_total",
		Help: "Journal replay attempts by upstream target and result.",
	}, []string{"target", "result"})

	// PendingRequests tracks the journal backlog per upstream target.
	PendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "frlproxy_pending_requests",
		Help: "Requests waiting in the journal per upstream target.",
	}, []string{"target"})

	// HTTPDuration observes inbound request handling time.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "frlproxy_http_request_duration_seconds",
		Help:    "Inbound HTTP request duration by method and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	// UpstreamLatency observes successful upstream round-trip time.
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "frlproxy_upstream_latency_seconds",
		Help:    "Upstream round-trip latency for forwarded requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})
)
