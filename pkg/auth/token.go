// Package auth owns the bearer-token lifecycle for each configured credential:
// the OAuth client-credentials grant, a per-credential token cache with a
// safety margin ahead of expiry, and optional sharing of tokens between
// processes through Redis.
package auth

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultSafetyMargin is subtracted from a token's declared lifetime so a
	// cached token is never used right at its expiry.
	DefaultSafetyMargin = 20 * time.Second

	// UserSuppliedIndex tags tokens injected on behalf of an end-user rather
	// than obtained from a configured credential.
	UserSuppliedIndex = -1
)

// ErrAuth is matched by every grant rejection.
var ErrAuth = errors.New("auth: token grant rejected")

// Credential is an OAuth client id/secret pair. Immutable once configured.
type Credential struct {
	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`
}

// Validate checks that both halves of the pair are present.
func (c Credential) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("client secret is required for client %q", c.ClientID)
	}
	return nil
}

// Token is a bearer token derived from a credential via the grant exchange.
// It is replaced, never mutated, on refresh.
type Token struct {
	Value string

	// ExpiresAt is the end of the cache lifetime, already reduced by the
	// safety margin. Zero for user-supplied tokens.
	ExpiresAt time.Time

	// Index is the credential index, or UserSuppliedIndex.
	Index int
}

// UserToken wraps an externally obtained access token.
func UserToken(value string) Token {
	return Token{Value: value, Index: UserSuppliedIndex}
}

// IsUserSupplied reports whether the token came from outside the manager.
func (t Token) IsUserSupplied() bool {
	return t.Index == UserSuppliedIndex
}

// ValidAt reports whether the token may still be used at now. User-supplied
// tokens carry no expiry and are always considered valid.
func (t Token) ValidAt(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	if t.IsUserSupplied() && t.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(t.ExpiresAt)
}

// Authorization returns the Authorization header value.
func (t Token) Authorization() string {
	return "Bearer " + t.Value
}

// GrantError is returned when the token endpoint rejects a grant exchange.
type GrantError struct {
	Index      int
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *GrantError) Error() string {
	return fmt.Sprintf("auth: token grant for credential %d rejected (status %d): %s",
		e.Index, e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrAuth) true for every GrantError.
func (e *GrantError) Is(target error) bool {
	return target == ErrAuth
}
