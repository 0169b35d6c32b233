package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/quota-client/pkg/cache"
	"github.com/Sternrassler/quota-client/pkg/transport"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var tokenGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quota_client_token_grants_total",
	Help: "Total client-credentials grant exchanges by result",
}, []string{"result"})

const (
	// grantClaimTTL bounds how long one process may hold the grant claim for a
	// credential in the shared cache.
	grantClaimTTL = 10 * time.Second

	grantWaitPoll = 100 * time.Millisecond

	// DefaultGrantTimeout bounds one grant exchange, which no caller can cancel.
	DefaultGrantTimeout = 30 * time.Second

	// minTokenLifetime is the shortest cache lifetime given to a granted token.
	minTokenLifetime = time.Second
)

// grantResponse is the token endpoint's JSON body.
type grantResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Manager hands out valid bearer tokens per credential index.
type Manager struct {
	credentials  []Credential
	tokenURL     string
	scope        string
	doer         transport.Doer
	margin       time.Duration
	now          func() time.Time
	shared       *cache.Manager
	cachePrefix  string
	owner        string
	grantWait    time.Duration
	grantTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.RWMutex
	tokens map[int]Token
	group  singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the Doer used for the grant exchange.
func WithHTTPClient(doer transport.Doer) Option {
	return func(m *Manager) { m.doer = doer }
}

// WithScope sets the OAuth scope sent with every grant.
func WithScope(scope string) Option {
	return func(m *Manager) { m.scope = scope }
}

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(margin time.Duration) Option {
	return func(m *Manager) { m.margin = margin }
}

// WithGrantTimeout overrides DefaultGrantTimeout.
func WithGrantTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.grantTimeout = timeout }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSharedCache shares granted tokens with other processes through Redis.
func WithSharedCache(shared *cache.Manager, prefix string) Option {
	return func(m *Manager) {
		m.shared = shared
		m.cachePrefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a token manager for an ordered, non-empty credential list.
func NewManager(tokenURL string, credentials []Credential, opts ...Option) (*Manager, error) {
	if tokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if len(credentials) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}
	for i, c := range credentials {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("credential %d: %w", i, err)
		}
	}

	m := &Manager{
		credentials:  append([]Credential(nil), credentials...),
		tokenURL:     tokenURL,
		doer:         transport.NewHTTPClient(),
		margin:       DefaultSafetyMargin,
		now:          time.Now,
		logger:       zerolog.Nop(),
		owner:        uuid.NewString(),
		grantWait:    2 * time.Second,
		grantTimeout: DefaultGrantTimeout,
		tokens:       make(map[int]Token, len(credentials)),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Len returns the number of configured credentials.
func (m *Manager) Len() int {
	return len(m.credentials)
}

// Credential returns the credential at index.
func (m *Manager) Credential(index int) (Credential, error) {
	if index < 0 || index >= len(m.credentials) {
		return Credential{}, fmt.Errorf("credential index %d out of range [0,%d)", index, len(m.credentials))
	}
	return m.credentials[index], nil
}

// Token returns a cached token for index if it is not within the safety
// margin of expiry; otherwise it performs the grant exchange and caches the
// result. Concurrent callers for the same index share one exchange.
func (m *Manager) Token(ctx context.Context, index int) (Token, error) {
	cred, err := m.Credential(index)
	if err != nil {
		return Token{}, err
	}

	if tok, ok := m.cached(index); ok {
		return tok, nil
	}

	// Joined callers share one exchange. It runs detached from any single
	// caller's context and each caller stops waiting on its own.
	flight := context.WithoutCancel(ctx)
	ch := m.group.DoChan(strconv.Itoa(index), func() (any, error) {
		if tok, ok := m.cached(index); ok {
			return tok, nil
		}
		if tok, ok := m.loadShared(flight, index, cred); ok {
			m.store(tok)
			return tok, nil
		}
		if tok, ok := m.awaitPeerGrant(flight, index, cred); ok {
			m.store(tok)
			return tok, nil
		}

		grantCtx, cancel := context.WithTimeout(flight, m.grantTimeout)
		defer cancel()
		tok, err := m.grant(grantCtx, index, cred)
		if err != nil {
			m.release(flight, cred)
			return Token{}, err
		}
		m.store(tok)
		m.saveShared(flight, cred, tok)
		m.release(flight, cred)
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		if res.Shared {
			m.logger.Debug().Int("credential", index).Msg("Joined in-flight token grant")
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Invalidate drops the cached token for index, locally and in the shared
// cache, so the next call re-grants.
func (m *Manager) Invalidate(ctx context.Context, index int) {
	m.mu.Lock()
	delete(m.tokens, index)
	m.mu.Unlock()

	cred, err := m.Credential(index)
	if err != nil || m.shared == nil {
		return
	}
	if err := m.shared.Delete(ctx, m.cacheKey(cred)); err != nil {
		m.logger.Warn().Err(err).Int("credential", index).Msg("Shared token cache delete failed")
	}
}

func (m *Manager) cached(index int) (Token, bool) {
	m.mu.RLock()
	tok, ok := m.tokens[index]
	m.mu.RUnlock()
	if !ok || !tok.ValidAt(m.now()) {
		return Token{}, false
	}
	return tok, true
}

func (m *Manager) store(tok Token) {
	m.mu.Lock()
	m.tokens[tok.Index] = tok
	m.mu.Unlock()
}

func (m *Manager) cacheKey(cred Credential) cache.CacheKey {
	return cache.CacheKey{Prefix: m.cachePrefix, Kind: "token", Subject: cred.ClientID + "|" + m.scope}
}

func (m *Manager) loadShared(ctx context.Context, index int, cred Credential) (Token, bool) {
	if m.shared == nil {
		return Token{}, false
	}

	entry, err := m.shared.Get(ctx, m.cacheKey(cred))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.logger.Warn().Err(err).Int("credential", index).Msg("Shared token cache read failed")
		}
		return Token{}, false
	}

	tok := Token{Value: entry.Value, ExpiresAt: entry.Expires, Index: index}
	if !tok.ValidAt(m.now()) {
		return Token{}, false
	}
	m.logger.Debug().Int("credential", index).Msg("Using token from shared cache")
	return tok, true
}

func (m *Manager) saveShared(ctx context.Context, cred Credential, tok Token) {
	if m.shared == nil {
		return
	}
	entry := &cache.CacheEntry{Value: tok.Value, Expires: tok.ExpiresAt}
	if err := m.shared.Set(ctx, m.cacheKey(cred), entry); err != nil {
		m.logger.Warn().Err(err).Int("credential", tok.Index).Msg("Shared token cache write failed")
	}
}

// awaitPeerGrant claims the right to grant for cred in the shared cache. When
// another process already holds the claim it polls the shared cache for that
// process's token for up to grantWait. A false return means the caller should
// grant itself.
func (m *Manager) awaitPeerGrant(ctx context.Context, index int, cred Credential) (Token, bool) {
	if m.shared == nil {
		return Token{}, false
	}

	key := m.cacheKey(cred)
	claimed, err := m.shared.Claim(ctx, key, m.owner, grantClaimTTL)
	if err != nil {
		m.logger.Warn().Err(err).Int("credential", index).Msg("Grant claim failed")
		return Token{}, false
	}
	if claimed {
		return Token{}, false
	}

	m.logger.Debug().Int("credential", index).Msg("Waiting for peer token grant")
	deadline := time.NewTimer(m.grantWait)
	defer deadline.Stop()
	ticker := time.NewTicker(grantWaitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Token{}, false
		case <-deadline.C:
			m.logger.Warn().Int("credential", index).Msg("Peer token grant not observed, granting locally")
			return Token{}, false
		case <-ticker.C:
			if tok, ok := m.loadShared(ctx, index, cred); ok {
				return tok, true
			}
		}
	}
}

func (m *Manager) release(ctx context.Context, cred Credential) {
	if m.shared == nil {
		return
	}
	if err := m.shared.Unclaim(context.WithoutCancel(ctx), m.cacheKey(cred), m.owner); err != nil {
		m.logger.Warn().Err(err).Msg("Grant claim release failed")
	}
}

// grant performs the client-credentials exchange against the token endpoint.
func (m *Manager) grant(ctx context.Context, index int, cred Credential) (Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
	}
	if m.scope != "" {
		form.Set("scope", m.scope)
	}

	m.logger.Debug().Int("credential", index).Msg("Requesting access token")

	resp, err := transport.Call(ctx, m.doer, &transport.Request{
		Method: http.MethodPost,
		URL:    m.tokenURL,
		Header: http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
			"Accept":       {"application/json"},
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		tokenGrantsTotal.WithLabelValues("network_error").Inc()
		return Token{}, fmt.Errorf("token grant for credential %d: %w", index, err)
	}

	if !resp.OK() {
		tokenGrantsTotal.WithLabelValues("rejected").Inc()
		m.logger.Error().
			Int("credential", index).
			Int("status", resp.StatusCode).
			Msg("Token grant rejected")
		return Token{}, &GrantError{
			Index:      index,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(resp.Body)),
		}
	}

	var body grantResponse
	if err := resp.Decode(&body); err != nil || body.AccessToken == "" {
		tokenGrantsTotal.WithLabelValues("rejected").Inc()
		return Token{}, &GrantError{
			Index:      index,
			StatusCode: resp.StatusCode,
			Message:    "response carries no access_token",
		}
	}

	tokenGrantsTotal.WithLabelValues("ok").Inc()

	declared := time.Duration(body.ExpiresIn) * time.Second
	lifetime := declared - m.margin
	if lifetime < minTokenLifetime {
		lifetime = max(declared/2, minTokenLifetime)
		m.logger.Warn().
			Int("credential", index).
			Int64("expires_in", body.ExpiresIn).
			Dur("margin", m.margin).
			Dur("cache_lifetime", lifetime).
			Msg("Token lifetime does not exceed the safety margin")
	}

	tok := Token{
		Value:     body.AccessToken,
		ExpiresAt: m.now().Add(lifetime),
		Index:     index,
	}

	m.logger.Info().
		Int("credential", index).
		Int64("expires_in", body.ExpiresIn).
		Time("refresh_after", tok.ExpiresAt).
		Msg("Access token granted")

	return tok, nil
}
