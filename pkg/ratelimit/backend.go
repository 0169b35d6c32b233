package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotRegistered is returned by a Backend asked about an unknown limiter id.
var ErrNotRegistered = errors.New("ratelimit: limiter not registered")

// Backend holds reservoir and in-flight counters addressed by a stable
// limiter id. Admit must check and update both counters atomically.
type Backend interface {
	// Register creates the counters for id, or updates the static limits if
	// another holder already created them. The reservoir is only seeded once.
	Register(ctx context.Context, id string, s Settings) error

	// Admit takes one unit from the reservoir and one in-flight slot under
	// lease. It returns false when either is exhausted.
	Admit(ctx context.Context, id, lease string, leaseTTL time.Duration) (bool, error)

	// Release frees the in-flight slot held by lease.
	Release(ctx context.Context, id, lease string) error

	// Refund frees the slot held by lease and gives its reservoir unit back,
	// for an admission whose job never started. The reservoir never exceeds
	// the hourly limit. Unknown or expired leases are ignored.
	Refund(ctx context.Context, id, lease string) error

	// RefillTick refills the reservoir if its cycle is due and reports whether it did.
	RefillTick(ctx context.Context, id string) (bool, error)

	// Stats returns the current counters.
	Stats(ctx context.Context, id string) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Stats is a snapshot of one limiter's counters.
type Stats struct {
	Reservoir     int       `json:"reservoir"`
	Running       int       `json:"running"`
	MaxConcurrent int       `json:"max_concurrent"`
	RefillAt      time.Time `json:"refill_at"`
}

type memoryState struct {
	reservoir     int
	limit         int
	maxConcurrent int
	interval      time.Duration
	refillAt      time.Time
	leases        map[string]time.Time
}

// MemoryBackend is the single-process Backend.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]*memoryState
	now    func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		states: make(map[string]*memoryState),
		now:    time.Now,
	}
}

// Register implements Backend.
func (b *MemoryBackend) Register(_ context.Context, id string, s Settings) error {
	s = s.withDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.states[id]; ok {
		st.limit = s.HourlyLimit
		st.maxConcurrent = s.MaxConcurrent()
		st.interval = s.RefreshInterval
		return nil
	}

	b.states[id] = &memoryState{
		reservoir:     s.HourlyRemaining,
		limit:         s.HourlyLimit,
		maxConcurrent: s.MaxConcurrent(),
		interval:      s.RefreshInterval,
		refillAt:      b.now().Add(s.RefreshInterval),
		leases:        make(map[string]time.Time),
	}
	return nil
}

// Admit implements Backend.
func (b *MemoryBackend) Admit(_ context.Context, id, lease string, leaseTTL time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	now := b.now()
	st.refill(now)
	for l, expires := range st.leases {
		if !now.Before(expires) {
			delete(st.leases, l)
		}
	}

	if st.reservoir <= 0 || len(st.leases) >= st.maxConcurrent {
		return false, nil
	}

	st.reservoir--
	st.leases[lease] = now.Add(leaseTTL)
	return true, nil
}

// Release implements Backend.
func (b *MemoryBackend) Release(_ context.Context, id, lease string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(st.leases, lease)
	return nil
}

// Refund implements Backend.
func (b *MemoryBackend) Refund(_ context.Context, id, lease string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if _, held := st.leases[lease]; !held {
		return nil
	}
	delete(st.leases, lease)
	st.reservoir = min(st.reservoir+1, st.limit)
	return nil
}

// RefillTick implements Backend.
func (b *MemoryBackend) RefillTick(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return st.refill(b.now()), nil
}

// Stats implements Backend.
func (b *MemoryBackend) Stats(_ context.Context, id string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[id]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return Stats{
		Reservoir:     st.reservoir,
		Running:       len(st.leases),
		MaxConcurrent: st.maxConcurrent,
		RefillAt:      st.refillAt,
	}, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	return nil
}

// refill resets the reservoir once per elapsed cycle, keeping the cycle's phase.
func (st *memoryState) refill(now time.Time) bool {
	if now.Before(st.refillAt) {
		return false
	}
	st.reservoir = st.limit
	for !now.Before(st.refillAt) {
		st.refillAt = st.refillAt.Add(st.interval)
	}
	return true
}
