package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_client_requests_total",
		Help: "Total upstream requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quota_client_request_duration_seconds",
		Help:    "Upstream request duration in seconds by method, excluding queue time",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_client_errors_total",
		Help: "Total failed calls by error class",
	}, []string{"class"})

	initializedCredentials = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quota_client_initialized_credentials",
		Help: "Credentials with a discovered quota and a running limiter",
	})
)
