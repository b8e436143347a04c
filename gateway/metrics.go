package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_gateway_requests_total",
		Help: "Requests handled by the gateway, labelled by route prefix, method and status.",
	}, []string{"route", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskgate_gateway_request_duration_seconds",
		Help:    "Request latency in seconds, labelled by route prefix.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_gateway_verifications_total",
		Help: "Token verifications, labelled by outcome.",
	}, []string{"outcome"})

	upstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_gateway_upstream_errors_total",
		Help: "Requests that failed to reach their upstream.",
	}, []string{"upstream"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_gateway_rate_limited_total",
		Help: "Requests refused by the per-client rate limit.",
	})

	keyPresent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskgate_gateway_key_present",
		Help: "1 once the verification key has been fetched.",
	})
)
