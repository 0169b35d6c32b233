package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrJobExpired is returned when a job waited in the queue longer than the
// limiter's Expiration. The job was never started.
var ErrJobExpired = errors.New("ratelimit: job expired before it could start")

// Limiter gates jobs for one credential. Admission takes one unit from the
// hourly reservoir and one in-flight slot from the shared Backend, then
// waits out the minimum spacing since the previous admission. Jobs are
// admitted in arrival order within a process.
type Limiter struct {
	id       string
	settings Settings
	backend  Backend
	spacing  *rate.Limiter
	logger   zerolog.Logger

	// turn is held by the job at the head of the local queue.
	turn chan struct{}

	wakeMu sync.Mutex
	wake   chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New registers id with backend and starts the refill loop. Call Stop to
// end it.
func New(ctx context.Context, id string, s Settings, backend Backend, logger zerolog.Logger) (*Limiter, error) {
	if id == "" {
		return nil, fmt.Errorf("limiter id is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limiter settings: %w", err)
	}
	s = s.withDefaults()

	if err := backend.Register(ctx, id, s); err != nil {
		return nil, fmt.Errorf("register limiter %s: %w", id, err)
	}

	every := rate.Inf
	if minTime := s.MinTime(); minTime > 0 {
		every = rate.Every(minTime)
	}

	l := &Limiter{
		id:       id,
		settings: s,
		backend:  backend,
		spacing:  rate.NewLimiter(every, 1),
		logger:   logger.With().Str("component", "limiter").Str("limiter", id).Logger(),
		turn:     make(chan struct{}, 1),
		wake:     make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	l.logger.Info().
		Int("hourly_limit", s.HourlyLimit).
		Int("hourly_remaining", s.HourlyRemaining).
		Int("max_concurrent", s.MaxConcurrent()).
		Dur("min_time", s.MinTime()).
		Dur("expiration", s.Expiration).
		Msg("Limiter created")

	go l.refillLoop()
	return l, nil
}

// ID returns the stable limiter id shared across processes.
func (l *Limiter) ID() string {
	return l.id
}

// Settings returns the limiter's effective settings.
func (l *Limiter) Settings() Settings {
	return l.settings
}

// Schedule queues job and runs it once admitted. It returns ErrJobExpired if
// the job is still queued after Expiration, ctx.Err() if the caller gave up
// while queued, and otherwise the job's own error. The job runs with ctx;
// Expiration does not bound a job once started.
func (l *Limiter) Schedule(ctx context.Context, job Job) error {
	queued := time.Now()

	waitCtx := ctx
	if l.settings.Expiration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeoutCause(ctx, l.settings.Expiration, ErrJobExpired)
		defer cancel()
	}

	lease, err := l.acquire(waitCtx)
	if err != nil {
		return l.queueError(ctx, waitCtx, err)
	}

	limiterQueueWait.WithLabelValues(l.id).Observe(time.Since(queued).Seconds())
	limiterRunning.WithLabelValues(l.id).Inc()

	jobErr := job(ctx)

	limiterRunning.WithLabelValues(l.id).Dec()
	l.release(context.WithoutCancel(ctx), lease)

	if jobErr != nil {
		limiterJobsTotal.WithLabelValues(l.id, "failed").Inc()
	} else {
		limiterJobsTotal.WithLabelValues(l.id, "done").Inc()
	}
	return jobErr
}

// acquire waits for the local turn, a backend admission and the spacing
// interval, in that order. It returns the lease holding the in-flight slot.
func (l *Limiter) acquire(ctx context.Context) (string, error) {
	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-l.turn }()

	lease := uuid.NewString()
	if err := l.waitAdmission(ctx, lease); err != nil {
		return "", err
	}

	r := l.spacing.Reserve()
	if d := r.Delay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			l.refund(context.WithoutCancel(ctx), lease)
			return "", ctx.Err()
		}
	}
	return lease, nil
}

func (l *Limiter) waitAdmission(ctx context.Context, lease string) error {
	for {
		wake := l.wakeChan()

		ok, err := l.backend.Admit(ctx, l.id, lease, l.settings.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			limiterBackendErrors.WithLabelValues(l.id, "admit").Inc()
			l.logger.Warn().Err(err).Msg("Limiter backend admit failed, treating as no capacity")
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(l.settings.PollInterval)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

func (l *Limiter) release(ctx context.Context, lease string) {
	if err := l.backend.Release(ctx, l.id, lease); err != nil {
		limiterBackendErrors.WithLabelValues(l.id, "release").Inc()
		l.logger.Warn().Err(err).Msg("Limiter backend release failed, slot frees on lease expiry")
	}
	l.broadcast()
}

// refund undoes an admission whose job will not run.
func (l *Limiter) refund(ctx context.Context, lease string) {
	if err := l.backend.Refund(ctx, l.id, lease); err != nil {
		limiterBackendErrors.WithLabelValues(l.id, "refund").Inc()
		l.logger.Warn().Err(err).Msg("Limiter backend refund failed, slot frees on lease expiry")
	}
	l.broadcast()
}

func (l *Limiter) queueError(ctx, waitCtx context.Context, err error) error {
	if ctx.Err() != nil {
		limiterJobsTotal.WithLabelValues(l.id, "cancelled").Inc()
		return ctx.Err()
	}
	if errors.Is(context.Cause(waitCtx), ErrJobExpired) {
		limiterJobsTotal.WithLabelValues(l.id, "expired").Inc()
		l.logger.Debug().Dur("expiration", l.settings.Expiration).Msg("Queued job expired")
		return ErrJobExpired
	}
	return err
}

func (l *Limiter) wakeChan() chan struct{} {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	return l.wake
}

// broadcast wakes every job waiting for capacity.
func (l *Limiter) broadcast() {
	l.wakeMu.Lock()
	close(l.wake)
	l.wake = make(chan struct{})
	l.wakeMu.Unlock()
}

// refillLoop sleeps until the next refill is due, asks the backend to
// refill and wakes waiters.
func (l *Limiter) refillLoop() {
	defer close(l.done)

	for {
		wait := l.settings.PollInterval
		stats, err := l.backend.Stats(context.Background(), l.id)
		if err != nil {
			limiterBackendErrors.WithLabelValues(l.id, "stats").Inc()
		} else {
			limiterReservoir.WithLabelValues(l.id).Set(float64(stats.Reservoir))
			if d := time.Until(stats.RefillAt); d > 0 {
				wait = d
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		refilled, err := l.backend.RefillTick(context.Background(), l.id)
		if err != nil {
			limiterBackendErrors.WithLabelValues(l.id, "refill").Inc()
			l.logger.Warn().Err(err).Msg("Limiter refill failed")
			continue
		}
		if refilled {
			limiterRefillsTotal.WithLabelValues(l.id).Inc()
			l.logger.Debug().Int("reservoir", l.settings.HourlyLimit).Msg("Reservoir refilled")
		}
		l.broadcast()
	}
}

// Stats returns the backend counters for this limiter.
func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	stats, err := l.backend.Stats(ctx, l.id)
	if err != nil {
		return Stats{}, err
	}
	limiterReservoir.WithLabelValues(l.id).Set(float64(stats.Reservoir))
	return stats, nil
}

// Stop ends the refill loop. Queued jobs keep waiting on their contexts.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
}
