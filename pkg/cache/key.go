package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultPrefix is the Redis key namespace used when none is configured.
const DefaultPrefix = "quota-client"

// CacheKey identifies one cached value.
type CacheKey struct {
	// Prefix namespaces the key (defaults to DefaultPrefix)
	Prefix string

	// Kind groups entries of the same type (e.g. "token")
	Kind string

	// Subject is the identifier the value belongs to; it is hashed
	Subject string
}

// String generates a deterministic cache key string.
// Format: prefix:kind:sha256(subject)[:16]
//
// Example:
//
//	quota-client:token:9f86d081884c7d65
func (k CacheKey) String() string {
	prefix := strings.Trim(k.Prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	parts := []string{prefix}
	if kind := strings.Trim(k.Kind, ":"); kind != "" {
		parts = append(parts, kind)
	}
	parts = append(parts, HashSubject(k.Subject))

	return strings.Join(parts, ":")
}

// HashSubject returns a short, stable, non-reversible form of an identifier.
func HashSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:8])
}
