package cache

import (
	"time"
)

// CacheEntry is a cached value with an absolute expiry.
type CacheEntry struct {
	// Value is the cached payload (e.g. a bearer token)
	Value string `json:"value"`

	// Expires is when the entry stops being usable
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was written
	CachedAt time.Time `json:"cached_at"`
}

// ExpiredAt reports whether the entry is no longer usable at now.
func (e *CacheEntry) ExpiredAt(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTLAt returns how long the entry stays usable after now, or 0.
func (e *CacheEntry) TTLAt(now time.Time) time.Duration {
	if e.ExpiredAt(now) {
		return 0
	}
	return e.Expires.Sub(now)
}
