package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks transport activity on both the serving and dialing sides
type Metrics struct {
	TLSHandshakes       *prometheus.CounterVec
	RateLimitViolations *prometheus.CounterVec
	PeerRequests        *prometheus.CounterVec
	RetryBackoff        prometheus.Histogram
	PeerReloads         *prometheus.CounterVec
	DuplicatesRejected  prometheus.Counter
	AuthFailures        prometheus.Counter
}

// NewMetrics creates and registers transport metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TLSHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "network_tls_handshakes_total",
			Help: "TLS handshake attempts by outcome",
		}, []string{"outcome"}),
		RateLimitViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "network_rate_limit_violations_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"scope", "reason"}),
		PeerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "network_peer_requests_total",
			Help: "Outbound peer requests by final status",
		}, []string{"status"}),
		RetryBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "network_retry_backoff_seconds",
			Help:    "Backoff delay applied between retry attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		}),
		PeerReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "network_peer_reloads_total",
			Help: "Peer configuration reload attempts by outcome",
		}, []string{"outcome"}),
		DuplicatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "network_duplicate_submissions_total",
			Help: "Inbound submissions rejected as idempotency-key duplicates",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "network_auth_failures_total",
			Help: "Inbound requests rejected for invalid auth tokens",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TLSHandshakes, m.RateLimitViolations, m.PeerRequests,
			m.RetryBackoff, m.PeerReloads, m.DuplicatesRejected, m.AuthFailures)
	}
	return m
}
