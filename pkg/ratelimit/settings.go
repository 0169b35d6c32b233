// Package ratelimit implements the per-credential limiter: an hourly
// reservoir plus a concurrency gate with minimum spacing between admissions.
// Counter state lives behind a Backend so several processes can draw from the
// same logical reservoir through Redis.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/Sternrassler/quota-client/pkg/quota"
)

// Defaults applied when the corresponding Settings field is zero.
const (
	// DefaultRefreshInterval is the reservoir refill cycle.
	DefaultRefreshInterval = time.Hour

	// DefaultPollInterval bounds how long a queued job waits before
	// re-checking capacity held by other processes.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultLeaseTTL bounds how long an in-flight slot survives a crashed holder.
	DefaultLeaseTTL = 5 * time.Minute
)

// Settings parameterizes one limiter. They are fixed once the limiter exists.
type Settings struct {
	// HourlyLimit is what the reservoir refills to on every cycle.
	HourlyLimit int

	// HourlyRemaining is the reservoir's initial content.
	HourlyRemaining int

	// SecondlyLimit is the upstream per-second quota.
	SecondlyLimit int

	// ConcurrentOffset lowers the in-flight ceiling below SecondlyLimit.
	ConcurrentOffset int

	// MinTimeMargin is added to the per-request spacing derived from SecondlyLimit.
	MinTimeMargin time.Duration

	// RefreshInterval is the reservoir refill cycle (default DefaultRefreshInterval).
	RefreshInterval time.Duration

	// Expiration drops a job still queued after this long. Zero disables it.
	Expiration time.Duration

	// PollInterval (default DefaultPollInterval) is the capacity re-check period.
	PollInterval time.Duration

	// LeaseTTL (default DefaultLeaseTTL) expires in-flight slots of dead holders.
	LeaseTTL time.Duration
}

// SettingsFromQuota derives limiter settings from a discovered quota.
func SettingsFromQuota(q quota.Quota, concurrentOffset int) Settings {
	return Settings{
		HourlyLimit:      q.HourlyLimit,
		HourlyRemaining:  q.HourlyRemaining,
		SecondlyLimit:    q.SecondlyLimit,
		ConcurrentOffset: concurrentOffset,
	}
}

// MaxConcurrent returns the in-flight ceiling, never below one.
func (s Settings) MaxConcurrent() int {
	n := s.SecondlyLimit - s.ConcurrentOffset
	if n < 1 {
		return 1
	}
	return n
}

// MinTime returns the minimum spacing between two admissions:
// floor(1000 / SecondlyLimit) milliseconds plus MinTimeMargin.
func (s Settings) MinTime() time.Duration {
	if s.SecondlyLimit < 1 {
		return s.MinTimeMargin
	}
	return time.Duration(1000/s.SecondlyLimit)*time.Millisecond + s.MinTimeMargin
}

// Validate rejects settings no limiter can enforce.
func (s Settings) Validate() error {
	if s.HourlyLimit < 1 {
		return fmt.Errorf("hourly limit must be >= 1 (got %d)", s.HourlyLimit)
	}
	if s.HourlyRemaining < 0 || s.HourlyRemaining > s.HourlyLimit {
		return fmt.Errorf("hourly remaining %d outside [0,%d]", s.HourlyRemaining, s.HourlyLimit)
	}
	if s.SecondlyLimit < 1 {
		return fmt.Errorf("secondly limit must be >= 1 (got %d)", s.SecondlyLimit)
	}
	if s.ConcurrentOffset < 0 {
		return fmt.Errorf("concurrent offset must be >= 0 (got %d)", s.ConcurrentOffset)
	}
	if s.Expiration < 0 || s.MinTimeMargin < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = DefaultRefreshInterval
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = DefaultLeaseTTL
	}
	return s
}
