// Package quota discovers a credential's hourly and per-second limits by
// inspecting the rate-limit headers of one cheap authenticated call.
package quota

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Default header names exposed by the upstream API.
const (
	HeaderApplicationID     = "X-Application-Id"
	HeaderHourlyLimit       = "X-Ratelimit-Hourly-Limit"
	HeaderHourlyRemaining   = "X-Ratelimit-Hourly-Remaining"
	HeaderSecondlyLimit     = "X-Ratelimit-Secondly-Limit"
	HeaderSecondlyRemaining = "X-Ratelimit-Secondly-Remaining"
)

// ErrQuota is matched by every discovery failure.
var ErrQuota = errors.New("quota: discovery failed")

// HeaderNames lets callers point discovery at differently named headers.
type HeaderNames struct {
	ApplicationID     string `mapstructure:"application_id"`
	HourlyLimit       string `mapstructure:"hourly_limit"`
	HourlyRemaining   string `mapstructure:"hourly_remaining"`
	SecondlyLimit     string `mapstructure:"secondly_limit"`
	SecondlyRemaining string `mapstructure:"secondly_remaining"`
}

// DefaultHeaderNames returns the upstream's standard header names.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		ApplicationID:     HeaderApplicationID,
		HourlyLimit:       HeaderHourlyLimit,
		HourlyRemaining:   HeaderHourlyRemaining,
		SecondlyLimit:     HeaderSecondlyLimit,
		SecondlyRemaining: HeaderSecondlyRemaining,
	}
}

// withDefaults fills empty names from DefaultHeaderNames.
func (n HeaderNames) withDefaults() HeaderNames {
	d := DefaultHeaderNames()
	if n.ApplicationID == "" {
		n.ApplicationID = d.ApplicationID
	}
	if n.HourlyLimit == "" {
		n.HourlyLimit = d.HourlyLimit
	}
	if n.HourlyRemaining == "" {
		n.HourlyRemaining = d.HourlyRemaining
	}
	if n.SecondlyLimit == "" {
		n.SecondlyLimit = d.SecondlyLimit
	}
	if n.SecondlyRemaining == "" {
		n.SecondlyRemaining = d.SecondlyRemaining
	}
	return n
}

// Quota is one credential's discovered limits. Read-only after discovery.
type Quota struct {
	// OwnerID is the application identifier the credential belongs to.
	OwnerID string `json:"owner_id"`

	HourlyLimit       int `json:"hourly_limit"`
	HourlyRemaining   int `json:"hourly_remaining"`
	SecondlyLimit     int `json:"secondly_limit"`
	SecondlyRemaining int `json:"secondly_remaining"`

	// DiscoveredAt is when the probe response was received.
	DiscoveredAt time.Time `json:"discovered_at"`
}

// HourlyUsed returns how much of the hourly quota was already spent at discovery.
func (q Quota) HourlyUsed() int {
	return q.HourlyLimit - q.HourlyRemaining
}

// Validate checks that limiter parameters can be safely derived from q.
func (q Quota) Validate() error {
	if q.OwnerID == "" {
		return fmt.Errorf("owner id is empty")
	}
	if q.HourlyLimit < 1 {
		return fmt.Errorf("hourly limit must be >= 1 (got %d)", q.HourlyLimit)
	}
	if q.HourlyRemaining < 0 || q.HourlyRemaining > q.HourlyLimit {
		return fmt.Errorf("hourly remaining %d outside [0,%d]", q.HourlyRemaining, q.HourlyLimit)
	}
	if q.SecondlyLimit < 1 {
		return fmt.Errorf("secondly limit must be >= 1 (got %d)", q.SecondlyLimit)
	}
	return nil
}

// FromHeaders parses the rate-limit headers of a response.
func FromHeaders(headers http.Header, names HeaderNames) (Quota, error) {
	names = names.withDefaults()

	owner := headers.Get(names.ApplicationID)
	if owner == "" {
		return Quota{}, fmt.Errorf("%s header missing", names.ApplicationID)
	}

	q := Quota{OwnerID: owner, DiscoveredAt: time.Now()}
	fields := []struct {
		header string
		dst    *int
	}{
		{names.HourlyLimit, &q.HourlyLimit},
		{names.HourlyRemaining, &q.HourlyRemaining},
		{names.SecondlyLimit, &q.SecondlyLimit},
		{names.SecondlyRemaining, &q.SecondlyRemaining},
	}
	for _, f := range fields {
		raw := headers.Get(f.header)
		if raw == "" {
			return Quota{}, fmt.Errorf("%s header missing", f.header)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Quota{}, fmt.Errorf("parse %s header: %w", f.header, err)
		}
		*f.dst = v
	}

	if err := q.Validate(); err != nil {
		return Quota{}, err
	}
	return q, nil
}

// DiscoveryError is returned when no safe limiter parameters can be derived.
type DiscoveryError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quota: discovery failed (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("quota: discovery failed (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrQuota) true for every DiscoveryError.
func (e *DiscoveryError) Is(target error) bool {
	return target == ErrQuota
}
