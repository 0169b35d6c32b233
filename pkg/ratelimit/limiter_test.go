package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T, id string, s Settings, backend Backend) *Limiter {
	t.Helper()
	if backend == nil {
		backend = NewMemoryBackend()
	}
	l, err := New(context.Background(), id, s, backend, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestNew_Validation(t *testing.T) {
	backend := NewMemoryBackend()
	valid := Settings{HourlyLimit: 10, HourlyRemaining: 10, SecondlyLimit: 1}

	if _, err := New(context.Background(), "", valid, backend, zerolog.Nop()); err == nil {
		t.Error("New() expected error for empty id")
	}
	if _, err := New(context.Background(), "a", valid, nil, zerolog.Nop()); err == nil {
		t.Error("New() expected error for nil backend")
	}
	if _, err := New(context.Background(), "a", Settings{}, backend, zerolog.Nop()); err == nil {
		t.Error("New() expected error for zero settings")
	}
}

func TestLimiter_ReservoirRefill(t *testing.T) {
	l := newTestLimiter(t, "reservoir", Settings{
		HourlyLimit:     5,
		HourlyRemaining: 5,
		SecondlyLimit:   100,
		RefreshInterval: 300 * time.Millisecond,
	}, nil)
	ctx := context.Background()
	start := time.Now()

	var ran atomic.Int32
	job := func(context.Context) error {
		ran.Add(1)
		return nil
	}

	for i := 0; i < 5; i++ {
		if err := l.Schedule(ctx, job); err != nil {
			t.Fatalf("Schedule() #%d error = %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("first five jobs took %v, expected them to run without waiting for a refill", elapsed)
	}

	if err := l.Schedule(ctx, job); err != nil {
		t.Fatalf("sixth Schedule() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 280*time.Millisecond {
		t.Errorf("sixth job ran after %v, expected it to wait for the refill", elapsed)
	}
	if ran.Load() != 6 {
		t.Errorf("ran = %d, want 6", ran.Load())
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Reservoir != 4 {
		t.Errorf("Reservoir = %d, want 4", stats.Reservoir)
	}
}

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	l := newTestLimiter(t, "concurrency", Settings{
		HourlyLimit:      100,
		HourlyRemaining:  100,
		SecondlyLimit:    4,
		ConcurrentOffset: 1,
	}, nil)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Schedule(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Second)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Schedule() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 3 {
		t.Errorf("peak concurrency = %d, want 3", got)
	}
}

func TestLimiter_MinSpacing(t *testing.T) {
	l := newTestLimiter(t, "spacing", Settings{
		HourlyLimit:     100,
		HourlyRemaining: 100,
		SecondlyLimit:   10,
	}, nil)

	var starts []time.Time
	for i := 0; i < 3; i++ {
		err := l.Schedule(context.Background(), func(context.Context) error {
			starts = append(starts, time.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}

	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 90*time.Millisecond {
			t.Errorf("gap between job %d and %d = %v, want >= 100ms", i-1, i, gap)
		}
	}
}

func TestLimiter_ExpiredDuringSpacingIsRefunded(t *testing.T) {
	l := newTestLimiter(t, "spacing-refund", Settings{
		HourlyLimit:     10,
		HourlyRemaining: 10,
		SecondlyLimit:   1,
		Expiration:      200 * time.Millisecond,
	}, nil)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	if err := l.Schedule(ctx, noop); err != nil {
		t.Fatalf("first Schedule() error = %v", err)
	}

	// The second job is admitted but must wait a full second for its turn.
	if err := l.Schedule(ctx, noop); !errors.Is(err, ErrJobExpired) {
		t.Fatalf("second Schedule() error = %v, want ErrJobExpired", err)
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Reservoir != 9 || stats.Running != 0 {
		t.Errorf("Stats() = %+v, want reservoir 9 running 0", stats)
	}
}

func TestLimiter_FIFOOrder(t *testing.T) {
	l := newTestLimiter(t, "fifo", Settings{
		HourlyLimit:      100,
		HourlyRemaining:  100,
		SecondlyLimit:    1000,
		ConcurrentOffset: 999,
	}, nil)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Schedule(context.Background(), func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				return nil
			})
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestLimiter_JobExpiration(t *testing.T) {
	l := newTestLimiter(t, "expiry", Settings{
		HourlyLimit:     10,
		HourlyRemaining: 0,
		SecondlyLimit:   10,
		Expiration:      100 * time.Millisecond,
	}, nil)

	var ran atomic.Bool
	start := time.Now()
	err := l.Schedule(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	})

	if !errors.Is(err, ErrJobExpired) {
		t.Fatalf("Schedule() error = %v, want ErrJobExpired", err)
	}
	if ran.Load() {
		t.Error("expired job must never run")
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("expired after %v, want about 100ms", elapsed)
	}
}

func TestLimiter_ExpirationDoesNotBoundRunningJob(t *testing.T) {
	l := newTestLimiter(t, "running-expiry", Settings{
		HourlyLimit:     10,
		HourlyRemaining: 10,
		SecondlyLimit:   10,
		Expiration:      50 * time.Millisecond,
	}, nil)

	err := l.Schedule(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(150 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		t.Errorf("Schedule() error = %v, want nil", err)
	}
}

func TestLimiter_CallerCancellation(t *testing.T) {
	l := newTestLimiter(t, "cancel", Settings{
		HourlyLimit:     10,
		HourlyRemaining: 0,
		SecondlyLimit:   10,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Schedule(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Schedule() error = %v, want context.DeadlineExceeded", err)
	}
	if errors.Is(err, ErrJobExpired) {
		t.Error("caller deadline must not be reported as job expiration")
	}
}

func TestLimiter_JobErrorIsReturned(t *testing.T) {
	l := newTestLimiter(t, "job-error", Settings{
		HourlyLimit:     10,
		HourlyRemaining: 10,
		SecondlyLimit:   100,
	}, nil)

	boom := errors.New("boom")
	var calls atomic.Int32
	err := l.Schedule(context.Background(), func(context.Context) error {
		calls.Add(1)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Schedule() error = %v, want boom", err)
	}
	if calls.Load() != 1 {
		t.Errorf("job ran %d times, want exactly once", calls.Load())
	}

	stats, _ := l.Stats(context.Background())
	if stats.Running != 0 {
		t.Errorf("Running = %d after job finished, want 0", stats.Running)
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	l := newTestLimiter(t, "do", Settings{
		HourlyLimit:     10,
		HourlyRemaining: 10,
		SecondlyLimit:   100,
	}, nil)

	got, err := Do(context.Background(), l, func(context.Context) (string, error) {
		return "payload", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "payload" {
		t.Errorf("Do() = %q, want payload", got)
	}
}

// flakyBackend fails the first n Admit calls.
type flakyBackend struct {
	*MemoryBackend
	failures atomic.Int32
}

func (b *flakyBackend) Admit(ctx context.Context, id, lease string, ttl time.Duration) (bool, error) {
	if b.failures.Add(-1) >= 0 {
		return false, errors.New("connection refused")
	}
	return b.MemoryBackend.Admit(ctx, id, lease, ttl)
}

func TestLimiter_BackendErrorTreatedAsNoCapacity(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	backend.failures.Store(2)

	l := newTestLimiter(t, "flaky", Settings{
		HourlyLimit:     10,
		HourlyRemaining: 10,
		SecondlyLimit:   100,
		PollInterval:    20 * time.Millisecond,
	}, backend)

	var ran atomic.Bool
	err := l.Schedule(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if !ran.Load() {
		t.Error("job did not run after backend recovered")
	}
}

func TestLimiter_SharedBackend(t *testing.T) {
	backend := NewMemoryBackend()
	s := Settings{HourlyLimit: 3, HourlyRemaining: 3, SecondlyLimit: 100}

	a := newTestLimiter(t, "shared", s, backend)
	b := newTestLimiter(t, "shared", s, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	noop := func(context.Context) error { return nil }
	for _, l := range []*Limiter{a, b, a} {
		if err := l.Schedule(ctx, noop); err != nil {
			t.Fatalf("Schedule() error = %v", err)
		}
	}

	if err := b.Schedule(ctx, noop); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("fourth Schedule() error = %v, want the shared reservoir to be empty", err)
	}
}
