package ratelimit

import "context"

// Job is a unit of work run once the limiter admits it.
type Job func(ctx context.Context) error

// Scheduler admits jobs. *Limiter implements it.
type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
}

// Do schedules fn on s and returns its value. The limiter never retries:
// fn runs at most once, and its error is returned as is.
func Do[T any](ctx context.Context, s Scheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := s.Schedule(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		result = v
		return err
	})
	return result, err
}
