package cache

import (
	"testing"
	"time"
)

func TestCacheEntry_ExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{name: "expired token", expires: now.Add(-time.Hour), want: true},
		{name: "valid token", expires: now.Add(time.Hour), want: false},
		{name: "expires exactly now", expires: now, want: true},
		{name: "zero expiry", expires: time.Time{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{Value: "tok", Expires: tt.expires}
			if got := entry.ExpiredAt(now); got != tt.want {
				t.Errorf("ExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEntry_TTLAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    time.Duration
	}{
		{name: "token lifetime minus margin", expires: now.Add(20*time.Minute - 20*time.Second), want: 19*time.Minute + 40*time.Second},
		{name: "already expired", expires: now.Add(-time.Hour), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &CacheEntry{Expires: tt.expires}
			if got := entry.TTLAt(now); got != tt.want {
				t.Errorf("TTLAt() = %v, want %v", got, tt.want)
			}
		})
	}
}
