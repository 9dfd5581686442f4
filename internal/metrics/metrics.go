// Package metrics exposes the Prometheus counters and histograms the HTTP
// surface updates as it runs. BudgetRemaining and ErasuresPending are
// registered but not set anywhere.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "app_requests_total",
		Help: "Total number of HTTP requests, labelled by handler, method, and status.",
	}, []string{"handler", "method", "status"})

	Requests5xxTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "app_requests_5xx_total",
		Help: "Total number of HTTP requests that resulted in a 5xx response, labelled by handler and method.",
	}, []string{"handler", "method"})

	RequestLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "app_request_latency_seconds",
		Help:    "HTTP request latency in seconds, labelled by handler and method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler", "method"})

	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "app_events_ingested_total",
		Help: "Total number of turnstile events accepted by the pipeline.",
	})

	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "app_releases_total",
		Help: "Total number of DP releases, labelled by metric and outcome.",
	}, []string{"metric", "outcome"})

	BudgetRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "app_budget_remaining_epsilon",
		Help: "Remaining epsilon budget for the current month, labelled by metric.",
	}, []string{"metric"})

	ErasuresPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "app_erasures_pending",
		Help: "Number of erasure requests awaiting a successful rebuild.",
	})
)
