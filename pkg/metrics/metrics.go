// Package metrics exposes the quota client's Prometheus metrics over HTTP.
// The metrics themselves are defined with promauto in the packages that
// record them (auth, quota, ratelimit, cache, client) and land in the
// default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Token Metrics (pkg/auth):
//   - quota_client_token_grants_total{result} (Counter): Grant exchanges by result (ok, rejected, network_error)
//
// Quota Metrics (pkg/quota):
//   - quota_client_hourly_limit{owner} (Gauge): Discovered hourly limit per application
//   - quota_client_hourly_remaining_at_discovery{owner} (Gauge): Hourly remaining at discovery
//   - quota_client_secondly_limit{owner} (Gauge): Discovered per-second limit
//
// Limiter Metrics (pkg/ratelimit):
//   - quota_client_limiter_jobs_total{limiter, outcome} (Counter): Jobs by outcome (done, failed, expired, cancelled)
//   - quota_client_limiter_queue_wait_seconds{limiter} (Histogram): Time from submission to start
//   - quota_client_limiter_backend_errors_total{limiter, operation} (Counter): Shared backend failures
//   - quota_client_limiter_refills_total{limiter} (Counter): Reservoir refills
//   - quota_client_limiter_reservoir{limiter} (Gauge): Reservoir level last read from the backend
//   - quota_client_limiter_running{limiter} (Gauge): Jobs running in this process
//
// Cache Metrics (pkg/cache):
//   - quota_client_cache_hits_total{kind} (Counter): Shared cache hits
//   - quota_client_cache_misses_total{kind} (Counter): Shared cache misses
//   - quota_client_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - quota_client_requests_total{method, status} (Counter): Upstream requests by method and HTTP status
//   - quota_client_request_duration_seconds{method} (Histogram): Request duration, excluding queue time
//   - quota_client_errors_total{class} (Counter): Failed calls by class
//   - quota_client_initialized_credentials (Gauge): Credentials with a running limiter
//
// Example Prometheus Queries:
//
//   # Upstream 429 rate
//   sum(rate(quota_client_requests_total{status="429"}[5m]))
//
//   # P95 queue wait per credential
//   histogram_quantile(0.95, rate(quota_client_limiter_queue_wait_seconds_bucket[5m]))
//
//   # Expired jobs
//   rate(quota_client_limiter_jobs_total{outcome="expired"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(quota_client_request_duration_seconds_bucket[5m]))
