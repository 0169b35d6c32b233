package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the key is absent or its entry is no longer usable.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored value that does not decode.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// claimSuffix marks the short-lived key guarding the refresh of an entry.
const claimSuffix = ":claim"

// unclaimScript deletes a claim only while the caller still owns it.
var unclaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager stores entries in Redis. The Redis TTL of every key follows the
// entry's own expiry.
type Manager struct {
	redis redis.Cmdable
	now   func() time.Time
}

// NewManager creates a manager on a connected Redis client.
func NewManager(redisClient redis.Cmdable) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{redis: redisClient, now: time.Now}
}

// Get returns the entry for key, or ErrCacheMiss.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, m.miss(key)
	case err != nil:
		return nil, m.fail("get", fmt.Errorf("redis get: %w", err))
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, m.fail("get", fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}
	if entry.ExpiredAt(m.now()) {
		return nil, m.miss(key)
	}

	CacheHits.WithLabelValues(key.Kind).Inc()
	return &entry, nil
}

// Set stores entry until its expiry. Entries that are already expired are
// skipped.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	now := m.now()
	ttl := entry.TTLAt(now)
	if ttl == 0 {
		return nil
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = now
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return m.fail("set", fmt.Errorf("marshal cache entry: %w", err))
	}
	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return m.fail("set", fmt.Errorf("redis set: %w", err))
	}
	return nil
}

// Delete removes the entry for key.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		return m.fail("delete", fmt.Errorf("redis del: %w", err))
	}
	return nil
}

// Claim marks owner as the one process refreshing key, for at most ttl.
// It reports false when another owner holds the claim.
func (m *Manager) Claim(ctx context.Context, key CacheKey, owner string, ttl time.Duration) (bool, error) {
	ok, err := m.redis.SetNX(ctx, key.String()+claimSuffix, owner, ttl).Result()
	if err != nil {
		return false, m.fail("claim", fmt.Errorf("redis setnx: %w", err))
	}
	return ok, nil
}

// Unclaim releases a claim taken by owner. A claim that expired and was
// taken by someone else is left alone.
func (m *Manager) Unclaim(ctx context.Context, key CacheKey, owner string) error {
	if err := unclaimScript.Run(ctx, m.redis, []string{key.String() + claimSuffix}, owner).Err(); err != nil {
		return m.fail("unclaim", fmt.Errorf("redis unclaim: %w", err))
	}
	return nil
}

func (m *Manager) miss(key CacheKey) error {
	CacheMisses.WithLabelValues(key.Kind).Inc()
	return ErrCacheMiss
}

func (m *Manager) fail(operation string, err error) error {
	CacheErrors.WithLabelValues(operation).Inc()
	return err
}
