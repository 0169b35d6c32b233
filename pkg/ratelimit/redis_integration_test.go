//go:build integration

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisBackend_Integration_AdmitAndRelease(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	b := NewRedisBackend(redisClient, WithKeyPrefix("test:"))

	s := Settings{HourlyLimit: 10, HourlyRemaining: 2, SecondlyLimit: 2, ConcurrentOffset: 1}
	if err := b.Register(ctx, "cred", s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ok, err := b.Admit(ctx, "cred", "l1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Admit() = %v, %v; want true", ok, err)
	}

	// max concurrent is 1
	ok, _ = b.Admit(ctx, "cred", "l2", time.Minute)
	if ok {
		t.Fatal("Admit() = true above the concurrency ceiling")
	}

	if err := b.Release(ctx, "cred", "l1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	ok, _ = b.Admit(ctx, "cred", "l2", time.Minute)
	if !ok {
		t.Fatal("Admit() = false after release")
	}
	b.Release(ctx, "cred", "l2")

	// reservoir is now empty
	ok, _ = b.Admit(ctx, "cred", "l3", time.Minute)
	if ok {
		t.Fatal("Admit() = true with empty reservoir")
	}

	stats, err := b.Stats(ctx, "cred")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Reservoir != 0 || stats.Running != 0 || stats.MaxConcurrent != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.RefillAt.IsZero() {
		t.Error("RefillAt not set")
	}
}

func TestRedisBackend_Integration_Refund(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	b := NewRedisBackend(redisClient, WithKeyPrefix("test:"))

	s := Settings{HourlyLimit: 5, HourlyRemaining: 5, SecondlyLimit: 10}
	if err := b.Register(ctx, "cred", s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if ok, err := b.Admit(ctx, "cred", "l1", time.Minute); err != nil || !ok {
		t.Fatalf("Admit() = %v, %v; want true", ok, err)
	}
	if err := b.Refund(ctx, "cred", "l1"); err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	// Second refund of the same lease is ignored.
	if err := b.Refund(ctx, "cred", "l1"); err != nil {
		t.Fatalf("Refund() error = %v", err)
	}

	stats, err := b.Stats(ctx, "cred")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Reservoir != 5 || stats.Running != 0 {
		t.Errorf("Stats() = %+v, want reservoir 5 running 0", stats)
	}
}

func TestRedisBackend_Integration_RefillAndReregister(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	b := NewRedisBackend(redisClient, WithKeyPrefix("test:"))

	s := Settings{HourlyLimit: 4, HourlyRemaining: 0, SecondlyLimit: 5, RefreshInterval: 200 * time.Millisecond}
	b.Register(ctx, "cred", s)

	refilled, err := b.RefillTick(ctx, "cred")
	if err != nil || refilled {
		t.Fatalf("RefillTick() before due = %v, %v", refilled, err)
	}

	time.Sleep(250 * time.Millisecond)
	refilled, err = b.RefillTick(ctx, "cred")
	if err != nil || !refilled {
		t.Fatalf("RefillTick() when due = %v, %v", refilled, err)
	}

	stats, _ := b.Stats(ctx, "cred")
	if stats.Reservoir != 4 {
		t.Errorf("Reservoir = %d, want 4", stats.Reservoir)
	}

	// Keys vanishing (idle expiry, flush) are restored from local settings.
	redisClient.FlushDB(ctx)
	ok, err := b.Admit(ctx, "cred", "after-flush", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Admit() after flush = %v, %v; want true", ok, err)
	}
	stats, _ = b.Stats(ctx, "cred")
	if stats.Reservoir != 3 {
		t.Errorf("Reservoir after re-register = %d, want 3", stats.Reservoir)
	}
}

func TestRedisBackend_Integration_NotRegistered(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	b := NewRedisBackend(redisClient)
	_, err := b.Admit(context.Background(), "unknown", "l", time.Minute)
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Admit() error = %v, want ErrNotRegistered", err)
	}
}

func TestLimiter_Integration_SharedReservoirAcrossProcesses(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	s := Settings{HourlyLimit: 6, HourlyRemaining: 6, SecondlyLimit: 100}

	// Two backends over one Redis stand in for two processes.
	var limiters []*Limiter
	for i := 0; i < 2; i++ {
		l, err := New(ctx, "cred:shared", s, NewRedisBackend(redisClient), zerolog.Nop())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer l.Stop()
		limiters = append(limiters, l)
	}

	queueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(l *Limiter) {
			defer wg.Done()
			l.Schedule(queueCtx, func(context.Context) error {
				ran.Add(1)
				return nil
			})
		}(limiters[i%2])
	}
	wg.Wait()

	if got := ran.Load(); got != 6 {
		t.Errorf("jobs run across both processes = %d, want 6", got)
	}
}
