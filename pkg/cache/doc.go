// Package cache provides a Redis-backed entry store used to share short-lived
// values, such as bearer tokens, between client processes.
//
// Entries carry their own expiry; the Redis TTL is derived from it so that a
// value disappears from Redis no later than it stops being usable.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Kind:    "token",
//		Subject: clientID,
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// obtain a fresh value and Set it
//	}
//
// Subjects are hashed before they become part of a Redis key, so client ids
// and other identifiers never appear in plain text in the store.
//
// # Metrics
//
//   - quota_client_cache_hits_total{kind} - Cache hits
//   - quota_client_cache_misses_total{kind} - Cache misses
//   - quota_client_cache_errors_total{operation} - Cache operation errors
package cache
