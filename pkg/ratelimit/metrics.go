package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the limiter.
var (
	limiterJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_client_limiter_jobs_total",
		Help: "Jobs handled by the limiter by outcome (done, failed, expired, cancelled)",
	}, []string{"limiter", "outcome"})

	limiterQueueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quota_client_limiter_queue_wait_seconds",
		Help:    "Time a job spent queued before it started",
		Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 5, 30, 120},
	}, []string{"limiter"})

	limiterBackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_client_limiter_backend_errors_total",
		Help: "Limiter backend failures by operation",
	}, []string{"limiter", "operation"})

	limiterRefillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_client_limiter_refills_total",
		Help: "Reservoir refills observed by this process",
	}, []string{"limiter"})

	limiterReservoir = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quota_client_limiter_reservoir",
		Help: "Reservoir level last read from the backend",
	}, []string{"limiter"})

	limiterRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quota_client_limiter_running",
		Help: "Jobs currently running in this process",
	}, []string{"limiter"})
)
