// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filmgen_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filmgen_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filmgen_ledger_operations_total",
		Help: "Ledger operations by operation and result.",
	}, []string{"op", "result"})

	CreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filmgen_ledger_credits_total",
		Help: "Credits spent or granted, by transaction type.",
	}, []string{"direction", "type"})

	ApprovalResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filmgen_approval_resolutions_total",
		Help: "Resolved approval requests by request kind and outcome.",
	}, []string{"kind", "outcome"})

	GenerationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filmgen_generation_jobs_total",
		Help: "Generation jobs reaching a terminal state, by kind and status.",
	}, []string{"kind", "status"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filmgen_provider_duration_seconds",
		Help:    "Time from submit to result per provider.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"provider"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filmgen_rate_limited_total",
		Help: "Requests rejected with 429.",
	})
)
