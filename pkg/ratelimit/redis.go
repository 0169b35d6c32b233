package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces limiter keys in Redis.
const DefaultKeyPrefix = "quota-client:limiter:"

// RedisBackend keeps limiter counters in Redis so every process using the
// same limiter id draws from one reservoir. All check-and-update steps run
// as Lua scripts against the server clock.
//
// Keys per limiter (hash-tagged so both land on one cluster slot):
//
//	<prefix>{<id>}          hash: reservoir, limit, interval_ms, max_concurrent, refill_at
//	<prefix>{<id>}:running  sorted set of in-flight leases scored by expiry (ms)
type RedisBackend struct {
	client    redis.Cmdable
	keyPrefix string

	mu         sync.Mutex
	registered map[string]Settings
}

var _ Backend = (*RedisBackend)(nil)

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithKeyPrefix sets the Redis key prefix (default DefaultKeyPrefix).
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) { b.keyPrefix = prefix }
}

// NewRedisBackend creates a Redis-backed limiter store.
// The client must be a connected *redis.Client or *redis.ClusterClient.
func NewRedisBackend(client redis.Cmdable, opts ...RedisOption) *RedisBackend {
	if client == nil {
		panic("redis client cannot be nil")
	}
	b := &RedisBackend{
		client:     client,
		keyPrefix:  DefaultKeyPrefix,
		registered: make(map[string]Settings),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) stateKey(id string) string {
	return b.keyPrefix + "{" + id + "}"
}

func (b *RedisBackend) runningKey(id string) string {
	return b.keyPrefix + "{" + id + "}:running"
}

// luaNow is shared by every script: milliseconds from the Redis server clock.
const luaNow = `
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
`

// luaRefill resets the reservoir once its cycle is due. Expects state_key,
// now and leaves refilled set.
const luaRefill = `
local refilled = 0
local limit = redis.call("HGET", state_key, "limit")
local interval = tonumber(redis.call("HGET", state_key, "interval_ms"))
local refill_at = tonumber(redis.call("HGET", state_key, "refill_at"))
if now >= refill_at then
    local cycles = math.floor((now - refill_at) / interval) + 1
    redis.call("HSET", state_key,
        "reservoir", limit,
        "refill_at", string.format("%.0f", refill_at + cycles * interval))
    refilled = 1
end
`

// registerScript creates or updates a limiter.
// KEYS[1] = state hash, KEYS[2] = running set
// ARGV[1] = initial reservoir
// ARGV[2] = limit
// ARGV[3] = interval (ms)
// ARGV[4] = max concurrent
// ARGV[5] = lease ttl (ms)
//
// Returns 1 when created, 0 when it already existed.
var registerScript = redis.NewScript(luaNow + `
local state_key = KEYS[1]
local interval = tonumber(ARGV[3])
local ttl = 2 * interval + tonumber(ARGV[5])
local created = 0
if redis.call("EXISTS", state_key) == 0 then
    redis.call("HSET", state_key,
        "reservoir", ARGV[1],
        "refill_at", string.format("%.0f", now + interval))
    created = 1
end
redis.call("HSET", state_key, "limit", ARGV[2], "interval_ms", ARGV[3], "max_concurrent", ARGV[4])
redis.call("PEXPIRE", state_key, ttl)
return created
`)

// admitScript takes one reservoir unit and one in-flight slot.
// KEYS[1] = state hash, KEYS[2] = running set
// ARGV[1] = lease, ARGV[2] = lease ttl (ms)
//
// Returns:
//
//	1  = admitted
//	0  = reservoir empty or concurrency ceiling reached
//	-1 = limiter not registered
var admitScript = redis.NewScript(luaNow + `
local state_key = KEYS[1]
local running_key = KEYS[2]
if redis.call("EXISTS", state_key) == 0 then
    return -1
end
` + luaRefill + `
redis.call("ZREMRANGEBYSCORE", running_key, "-inf", now)
local reservoir = tonumber(redis.call("HGET", state_key, "reservoir"))
local max_concurrent = tonumber(redis.call("HGET", state_key, "max_concurrent"))
if reservoir <= 0 or redis.call("ZCARD", running_key) >= max_concurrent then
    return 0
end
local lease_ttl = tonumber(ARGV[2])
redis.call("HINCRBY", state_key, "reservoir", -1)
redis.call("ZADD", running_key, string.format("%.0f", now + lease_ttl), ARGV[1])
local ttl = 2 * interval + lease_ttl
redis.call("PEXPIRE", state_key, ttl)
redis.call("PEXPIRE", running_key, ttl)
return 1
`)

// refundScript returns the reservoir unit of a lease whose job never ran.
// KEYS[1] = state hash, KEYS[2] = running set
// ARGV[1] = lease
//
// Returns 1 when refunded, 0 when the lease was not held.
var refundScript = redis.NewScript(`
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
    return 0
end
local limit = tonumber(redis.call("HGET", KEYS[1], "limit"))
local reservoir = tonumber(redis.call("HGET", KEYS[1], "reservoir"))
if limit == nil or reservoir == nil then
    return 0
end
if reservoir < limit then
    redis.call("HINCRBY", KEYS[1], "reservoir", 1)
end
return 1
`)

// refillScript runs the time-gated refill on its own.
// KEYS[1] = state hash
//
// Returns 1 when refilled, 0 when not yet due, -1 when not registered.
var refillScript = redis.NewScript(luaNow + `
local state_key = KEYS[1]
if redis.call("EXISTS", state_key) == 0 then
    return -1
end
` + luaRefill + `
return refilled
`)

// Register implements Backend.
func (b *RedisBackend) Register(ctx context.Context, id string, s Settings) error {
	s = s.withDefaults()

	b.mu.Lock()
	b.registered[id] = s
	b.mu.Unlock()

	return b.register(ctx, id, s, s.HourlyRemaining)
}

func (b *RedisBackend) register(ctx context.Context, id string, s Settings, reservoir int) error {
	err := registerScript.Run(ctx, b.client,
		[]string{b.stateKey(id), b.runningKey(id)},
		reservoir, s.HourlyLimit, s.RefreshInterval.Milliseconds(), s.MaxConcurrent(), s.LeaseTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("ratelimit/redis: register %s: %w", id, err)
	}
	return nil
}

// reregister restores a limiter whose keys expired after a long idle period.
// At least one full cycle has passed by then, so the reservoir starts full.
func (b *RedisBackend) reregister(ctx context.Context, id string) error {
	b.mu.Lock()
	s, ok := b.registered[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return b.register(ctx, id, s, s.HourlyLimit)
}

// Admit implements Backend.
func (b *RedisBackend) Admit(ctx context.Context, id, lease string, leaseTTL time.Duration) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		result, err := admitScript.Run(ctx, b.client,
			[]string{b.stateKey(id), b.runningKey(id)},
			lease, leaseTTL.Milliseconds(),
		).Int64()
		if err != nil {
			return false, fmt.Errorf("ratelimit/redis: admit %s: %w", id, err)
		}

		switch result {
		case 1:
			return true, nil
		case 0:
			return false, nil
		case -1:
			if err := b.reregister(ctx, id); err != nil {
				return false, err
			}
		default:
			return false, fmt.Errorf("ratelimit/redis: unexpected admit result %d", result)
		}
	}
	return false, nil
}

// Release implements Backend.
func (b *RedisBackend) Release(ctx context.Context, id, lease string) error {
	if err := b.client.ZRem(ctx, b.runningKey(id), lease).Err(); err != nil {
		return fmt.Errorf("ratelimit/redis: release %s: %w", id, err)
	}
	return nil
}

// Refund implements Backend.
func (b *RedisBackend) Refund(ctx context.Context, id, lease string) error {
	err := refundScript.Run(ctx, b.client, []string{b.stateKey(id), b.runningKey(id)}, lease).Err()
	if err != nil {
		return fmt.Errorf("ratelimit/redis: refund %s: %w", id, err)
	}
	return nil
}

// RefillTick implements Backend.
func (b *RedisBackend) RefillTick(ctx context.Context, id string) (bool, error) {
	result, err := refillScript.Run(ctx, b.client, []string{b.stateKey(id)}).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit/redis: refill %s: %w", id, err)
	}
	if result == -1 {
		if err := b.reregister(ctx, id); err != nil {
			return false, err
		}
		return true, nil
	}
	return result == 1, nil
}

// Stats implements Backend. Running counts leases that have not expired by
// the local clock.
func (b *RedisBackend) Stats(ctx context.Context, id string) (Stats, error) {
	pipe := b.client.Pipeline()
	stateCmd := pipe.HMGet(ctx, b.stateKey(id), "reservoir", "max_concurrent", "refill_at")
	runningCmd := pipe.ZCount(ctx, b.runningKey(id),
		strconv.FormatInt(time.Now().UnixMilli(), 10), "+inf")

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("ratelimit/redis: stats %s: %w", id, err)
	}

	values := stateCmd.Val()
	if len(values) != 3 || values[0] == nil {
		return Stats{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	stats := Stats{
		Reservoir:     parseInt(values[0]),
		MaxConcurrent: parseInt(values[1]),
		Running:       int(runningCmd.Val()),
	}
	if ms := parseInt(values[2]); ms > 0 {
		stats.RefillAt = time.UnixMilli(int64(ms))
	}
	return stats, nil
}

// Close implements Backend. The Redis client belongs to the caller.
func (b *RedisBackend) Close() error {
	return nil
}

func parseInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return int(n)
}
