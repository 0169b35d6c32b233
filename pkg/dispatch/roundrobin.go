// Package dispatch picks which credential serves the next request.
package dispatch

import (
	"fmt"
	"sync/atomic"
)

// RoundRobin cycles through n credential indices. Each call to Next is an
// atomic get-and-advance, so concurrent callers never receive the same
// position of the cycle twice. Credentials are treated as equal; larger
// quotas are not weighted.
type RoundRobin struct {
	n       uint64
	counter atomic.Uint64
}

// New creates a dispatcher over n >= 1 credentials.
func New(n int) (*RoundRobin, error) {
	if n < 1 {
		return nil, fmt.Errorf("dispatch: need at least one credential (got %d)", n)
	}
	return &RoundRobin{n: uint64(n)}, nil
}

// Next returns the next credential index in [0, n).
func (r *RoundRobin) Next() int {
	return int((r.counter.Add(1) - 1) % r.n)
}

// Len returns the number of credentials in the cycle.
func (r *RoundRobin) Len() int {
	return int(r.n)
}
