package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by entry kind
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_client_cache_hits_total",
			Help: "Total number of shared cache hits",
		},
		[]string{"kind"},
	)

	// CacheMisses tracks cache misses by entry kind
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_client_cache_misses_total",
			Help: "Total number of shared cache misses",
		},
		[]string{"kind"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_client_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // get, set, delete, claim, unclaim
	)
)
