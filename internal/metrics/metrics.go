// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsSubmittedTotal counts accepted submissions.
	// Labels: cert_type, origin (generated, imported)
	RequestsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_requests_submitted_total",
			Help: "Total number of certificate requests accepted",
		},
		[]string{"cert_type", "origin"},
	)

	// RequestsDecidedTotal counts terminal transitions.
	// Labels: outcome (approved, rejected)
	RequestsDecidedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_requests_decided_total",
			Help: "Total number of certificate requests approved or rejected",
		},
		[]string{"outcome"},
	)

	// LifecycleErrorsTotal counts failed lifecycle operations.
	// Labels: operation, reason (validation, not_found, invalid_state, capability, serial_collision, storage)
	LifecycleErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_lifecycle_errors_total",
			Help: "Total number of failed lifecycle operations grouped by reason",
		},
		[]string{"operation", "reason"},
	)

	SigningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    Namespace + "_signing_duration_seconds",
			Help:    "Time spent signing certificates",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	KeyGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    Namespace + "_key_generation_duration_seconds",
			Help:    "Time spent generating key pairs",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"key_type"},
	)

	ArtifactDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_artifact_downloads_total",
			Help: "Total number of artifacts served",
		},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: Namespace + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    Namespace + "_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: Namespace + "_rate_limited_total",
			Help: "Total number of submissions refused by the rate limiter",
		},
	)
)
