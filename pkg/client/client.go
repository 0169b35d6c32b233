// Package client provides the rate-aware REST client: requests are spread
// round-robin over several credentials, each credential's calls pass through
// a limiter calibrated to the quota the API reports for it, and bearer tokens
// are kept fresh per credential.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/quota-client/pkg/auth"
	"github.com/Sternrassler/quota-client/pkg/cache"
	"github.com/Sternrassler/quota-client/pkg/dispatch"
	"github.com/Sternrassler/quota-client/pkg/logging"
	"github.com/Sternrassler/quota-client/pkg/pagination"
	"github.com/Sternrassler/quota-client/pkg/quota"
	"github.com/Sternrassler/quota-client/pkg/ratelimit"
	"github.com/Sternrassler/quota-client/pkg/transport"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// userOwnerCacheSize bounds the number of user tokens whose owning
	// application is remembered.
	userOwnerCacheSize = 10000

	// userOwnerTTL is how long a resolved owner is trusted. User tokens
	// usually expire well before this.
	userOwnerTTL = 30 * time.Minute
)

// Client is the main API client. Create it with New, call Initialize before
// any traffic and Disconnect before process exit.
type Client struct {
	config     Config
	base       zerolog.Logger
	logger     zerolog.Logger
	doer       transport.Doer
	tokens     *auth.Manager
	prober     *quota.Prober
	dispatcher *dispatch.RoundRobin
	expander   *pagination.Expander
	backend    ratelimit.Backend

	initMu sync.Mutex
	closed bool

	mu          sync.RWMutex
	initialized bool
	quotas      []quota.Quota
	limiters    []*ratelimit.Limiter
	owners      map[string]int

	// userOwners maps a user token hash to the application that issued it.
	userOwners *expirable.LRU[string, string]
	ownerGroup singleflight.Group
}

// Config holds the client configuration.
type Config struct {
	// Credentials in rotation order. At least one is required.
	Credentials []auth.Credential

	// BaseURL is the API root that request paths are joined to.
	BaseURL string

	// TokenURL is the OAuth client-credentials endpoint.
	TokenURL string

	// Scope is sent with every grant when non-empty.
	Scope string

	// ProbePath is the cheap authenticated call used for quota discovery.
	ProbePath string

	// UserAgent header sent with every call.
	UserAgent string

	// ConcurrentOffset lowers in-flight requests per credential below the
	// discovered per-second limit, leaving headroom for slow consumers.
	ConcurrentOffset int

	// JobExpiration drops calls still queued after this long (0 disables).
	JobExpiration time.Duration

	// MinTimeMargin is added to the spacing between two calls on one credential.
	MinTimeMargin time.Duration

	// RefreshInterval is the reservoir refill cycle.
	RefreshInterval time.Duration

	// TokenSafetyMargin is subtracted from every token lifetime.
	TokenSafetyMargin time.Duration

	// Redis enables the shared backend: limiter counters and bearer tokens
	// are shared with every process using the same KeyPrefix. Disconnect
	// closes it.
	Redis *redis.Client

	// KeyPrefix namespaces all Redis keys.
	KeyPrefix string

	// Headers names the rate-limit headers used by quota discovery.
	Headers quota.HeaderNames

	// Pagination
	PageSize         int
	PageParam        string
	PageSizeParam    string
	TotalCountHeader string

	// HTTPClient overrides the default transport.
	HTTPClient transport.Doer

	// Logger overrides the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration with safe defaults for credentials.
func DefaultConfig(credentials ...auth.Credential) Config {
	return Config{
		Credentials:       credentials,
		ProbePath:         "/me",
		UserAgent:         "quota-client/1.0",
		ConcurrentOffset:  0,
		JobExpiration:     2 * time.Minute,
		MinTimeMargin:     10 * time.Millisecond,
		RefreshInterval:   ratelimit.DefaultRefreshInterval,
		TokenSafetyMargin: auth.DefaultSafetyMargin,
		KeyPrefix:         cache.DefaultPrefix,
		Headers:           quota.DefaultHeaderNames(),
		PageSize:          100,
		PageParam:         "page",
		PageSizeParam:     "per_page",
		TotalCountHeader:  pagination.DefaultTotalCountHeader,
	}
}

// New creates a new client. No network call is made until Initialize.
func New(cfg Config) (*Client, error) {
	if len(cfg.Credentials) == 0 {
		return nil, fmt.Errorf("%w: at least one credential is required", ErrConfiguration)
	}
	for i, c := range cfg.Credentials {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: credential %d: %v", ErrConfiguration, i, err)
		}
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrConfiguration)
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("%w: token url is required", ErrConfiguration)
	}
	if cfg.ConcurrentOffset < 0 {
		return nil, fmt.Errorf("%w: concurrent_offset must be >= 0 (got %d)", ErrConfiguration, cfg.ConcurrentOffset)
	}
	if cfg.JobExpiration < 0 {
		return nil, fmt.Errorf("%w: job_expiration must be >= 0 (got %v)", ErrConfiguration, cfg.JobExpiration)
	}
	if cfg.MinTimeMargin < 0 {
		return nil, fmt.Errorf("%w: min_time_margin must be >= 0 (got %v)", ErrConfiguration, cfg.MinTimeMargin)
	}

	d := DefaultConfig()
	if cfg.ProbePath == "" {
		cfg.ProbePath = d.ProbePath
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = d.KeyPrefix
	}
	if cfg.PageParam == "" {
		cfg.PageParam = d.PageParam
	}
	if cfg.PageSizeParam == "" {
		cfg.PageSizeParam = d.PageSizeParam
	}
	if cfg.TokenSafetyMargin == 0 {
		cfg.TokenSafetyMargin = d.TokenSafetyMargin
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	logger := logging.WithComponent(base, "client")

	doer := cfg.HTTPClient
	if doer == nil {
		doer = transport.NewHTTPClient()
	}

	tokenOpts := []auth.Option{
		auth.WithHTTPClient(doer),
		auth.WithScope(cfg.Scope),
		auth.WithSafetyMargin(cfg.TokenSafetyMargin),
		auth.WithLogger(logging.WithComponent(base, "auth")),
	}

	var backend ratelimit.Backend
	if cfg.Redis != nil {
		backend = ratelimit.NewRedisBackend(cfg.Redis, ratelimit.WithKeyPrefix(cfg.KeyPrefix+":limiter:"))
		tokenOpts = append(tokenOpts, auth.WithSharedCache(cache.NewManager(cfg.Redis), cfg.KeyPrefix))
	} else {
		backend = ratelimit.NewMemoryBackend()
	}

	tokens, err := auth.NewManager(cfg.TokenURL, cfg.Credentials, tokenOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	dispatcher, err := dispatch.New(len(cfg.Credentials))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	prober := quota.NewProber(doer, resolveURL(cfg.BaseURL, cfg.ProbePath), cfg.Headers,
		logging.WithComponent(base, "quota"))

	expander := pagination.NewExpander(pagination.Config{
		PageSize:         cfg.PageSize,
		TotalCountHeader: cfg.TotalCountHeader,
	}, base)

	return &Client{
		config:     cfg,
		base:       base,
		logger:     logger,
		doer:       doer,
		tokens:     tokens,
		prober:     prober,
		dispatcher: dispatcher,
		expander:   expander,
		backend:    backend,
		userOwners: expirable.NewLRU[string, string](userOwnerCacheSize, nil, userOwnerTTL),
	}, nil
}

// limiterID is the stable id shared by every process using the credential.
func limiterID(cred auth.Credential) string {
	return "cred:" + cache.HashSubject(cred.ClientID)
}

// Initialize obtains a token, discovers the quota and builds the limiter for
// every credential, in that order. Any failure aborts initialization with an
// error matching ErrAuth or ErrQuota. Calling it again after success is a no-op.
func (c *Client) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: client was disconnected", ErrConfiguration)
	}
	if c.isInitialized() {
		return nil
	}

	start := time.Now()
	n := len(c.config.Credentials)
	quotas := make([]quota.Quota, 0, n)
	limiters := make([]*ratelimit.Limiter, 0, n)
	owners := make(map[string]int, n)

	abort := func(err error) error {
		for _, l := range limiters {
			l.Stop()
		}
		c.logger.Error().Err(err).Msg("Initialization failed")
		return err
	}

	for i, cred := range c.config.Credentials {
		tok, err := c.tokens.Token(ctx, i)
		if err != nil {
			return abort(fmt.Errorf("initialize credential %d: %w", i, err))
		}

		q, err := c.prober.Discover(ctx, tok)
		if err != nil {
			return abort(fmt.Errorf("initialize credential %d: %w", i, err))
		}

		settings := ratelimit.SettingsFromQuota(q, c.config.ConcurrentOffset)
		settings.Expiration = c.config.JobExpiration
		settings.MinTimeMargin = c.config.MinTimeMargin
		settings.RefreshInterval = c.config.RefreshInterval

		l, err := ratelimit.New(ctx, limiterID(cred), settings, c.backend, c.base)
		if err != nil {
			return abort(fmt.Errorf("initialize credential %d: %w", i, err))
		}

		quotas = append(quotas, q)
		limiters = append(limiters, l)
		if _, dup := owners[q.OwnerID]; dup {
			c.logger.Warn().
				Str("owner", q.OwnerID).
				Int("credential", i).
				Msg("Several credentials belong to one application, user calls route to the first")
		} else {
			owners[q.OwnerID] = i
		}
	}

	c.mu.Lock()
	c.quotas = quotas
	c.limiters = limiters
	c.owners = owners
	c.initialized = true
	c.mu.Unlock()

	initializedCredentials.Set(float64(n))
	c.logger.Info().
		Int("credentials", n).
		Bool("shared_backend", c.config.Redis != nil).
		Dur("duration", time.Since(start)).
		Msg("Client initialized")

	return nil
}

func (c *Client) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// snapshot returns the initialized state or ErrNotInitialized.
func (c *Client) snapshot() ([]*ratelimit.Limiter, map[string]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return nil, nil, ErrNotInitialized
	}
	return c.limiters, c.owners, nil
}

// Quotas returns the quota discovered for each credential, in credential order.
func (c *Client) Quotas() ([]quota.Quota, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return append([]quota.Quota(nil), c.quotas...), nil
}

// Stats returns the limiter counters for each credential, in credential order.
func (c *Client) Stats(ctx context.Context) ([]ratelimit.Stats, error) {
	limiters, _, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	stats := make([]ratelimit.Stats, len(limiters))
	for i, l := range limiters {
		s, err := l.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("stats for credential %d: %w", i, err)
		}
		stats[i] = s
	}
	return stats, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*transport.Response, error) {
	return c.call(ctx, http.MethodGet, path, opts)
}

// Post performs a POST request. Use WithJSON or WithBody for the payload.
func (c *Client) Post(ctx context.Context, path string, opts ...RequestOption) (*transport.Response, error) {
	return c.call(ctx, http.MethodPost, path, opts)
}

// Put performs a PUT request.
func (c *Client) Put(ctx context.Context, path string, opts ...RequestOption) (*transport.Response, error) {
	return c.call(ctx, http.MethodPut, path, opts)
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, path string, opts ...RequestOption) (*transport.Response, error) {
	return c.call(ctx, http.MethodPatch, path, opts)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*transport.Response, error) {
	return c.call(ctx, http.MethodDelete, path, opts)
}

func (c *Client) call(ctx context.Context, method, path string, opts []RequestOption) (*transport.Response, error) {
	req, err := newRequest(method, path, opts)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Do sends req through the next credential in rotation. Non-2xx responses
// are returned as responses, except 429 which also returns an error
// matching ErrUpstreamRateLimited. Nothing is retried.
func (c *Client) Do(ctx context.Context, req *Request) (*transport.Response, error) {
	limiters, _, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	index := c.dispatcher.Next()
	return c.send(ctx, limiters[index], index, nil, req)
}

// DoAsUser sends req with an end-user access token. The call is routed
// through the credential whose application issued the token, so it counts
// against that credential's limiter. The stored credential tokens are not
// touched.
func (c *Client) DoAsUser(ctx context.Context, userToken string, req *Request) (*transport.Response, error) {
	limiters, owners, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	tok := auth.UserToken(userToken)
	owner, err := c.userOwner(ctx, limiters, tok)
	if err != nil {
		errorsTotal.WithLabelValues(string(classifyError(err))).Inc()
		return nil, err
	}

	index, ok := owners[owner]
	if !ok {
		errorsTotal.WithLabelValues("configuration").Inc()
		return nil, fmt.Errorf("%w: token belongs to application %q which has no configured credential; "+
			"initialize with the same credential used to authenticate this token", ErrConfiguration, owner)
	}

	return c.send(ctx, limiters[index], index, &tok, req)
}

// GetAsUser performs a GET request with an end-user access token.
func (c *Client) GetAsUser(ctx context.Context, userToken, path string, opts ...RequestOption) (*transport.Response, error) {
	req, err := newRequest(http.MethodGet, path, opts)
	if err != nil {
		return nil, err
	}
	return c.DoAsUser(ctx, userToken, req)
}

// userOwner discovers the application behind a user token once per token.
// The discovery call is an upstream request like any other, so it is
// admitted by the limiter of the next credential in rotation and may expire
// in its queue.
func (c *Client) userOwner(ctx context.Context, limiters []*ratelimit.Limiter, tok auth.Token) (string, error) {
	key := cache.HashSubject(tok.Value)
	if owner, ok := c.userOwners.Get(key); ok {
		return owner, nil
	}

	// The lookup outlives any single caller that joined it.
	shared := context.WithoutCancel(ctx)
	ch := c.ownerGroup.DoChan(key, func() (any, error) {
		if owner, ok := c.userOwners.Get(key); ok {
			return owner, nil
		}
		limiter := limiters[c.dispatcher.Next()]
		q, err := ratelimit.Do(shared, limiter, func(ctx context.Context) (quota.Quota, error) {
			return c.prober.Discover(ctx, tok)
		})
		if err != nil {
			return "", err
		}
		c.userOwners.Add(key, q.OwnerID)
		return q.OwnerID, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("resolve user token owner: %w", res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// FetchAllPages fetches page start of a listing, reads the total item count
// and starts every remaining page at once. Each page goes through the
// rotation and limiters like any other call. See pagination.Collect to
// await them together.
func (c *Client) FetchAllPages(ctx context.Context, path string, start int, opts ...RequestOption) ([]*pagination.Page, error) {
	if _, _, err := c.snapshot(); err != nil {
		return nil, err
	}

	base, err := newRequest(http.MethodGet, path, opts)
	if err != nil {
		return nil, err
	}

	fetch := func(ctx context.Context, page int) (*transport.Response, error) {
		req := base.clone()
		req.Query.Set(c.config.PageParam, strconv.Itoa(page))
		req.Query.Set(c.config.PageSizeParam, strconv.Itoa(c.expander.PageSize()))
		return c.Do(ctx, req)
	}

	return c.expander.FetchAll(ctx, fetch, start)
}

// send schedules the call on limiter. The bearer token is resolved once the
// job is admitted, so a long queue wait never sends an expired token.
func (c *Client) send(ctx context.Context, limiter *ratelimit.Limiter, index int, userTok *auth.Token, req *Request) (*transport.Response, error) {
	resp, err := ratelimit.Do(ctx, limiter, func(ctx context.Context) (*transport.Response, error) {
		tok, err := c.token(ctx, index, userTok)
		if err != nil {
			return nil, err
		}
		return c.execute(ctx, tok, req)
	})
	if err != nil {
		class := classifyError(err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		if class == ErrorClassTimeout {
			c.logger.Warn().
				Str("method", req.Method).
				Str("path", req.Path).
				Int("credential", index).
				Dur("expiration", c.config.JobExpiration).
				Msg("Call expired in queue")
		}
	}
	return resp, err
}

func (c *Client) token(ctx context.Context, index int, userTok *auth.Token) (auth.Token, error) {
	if userTok != nil {
		return *userTok, nil
	}
	return c.tokens.Token(ctx, index)
}

func (c *Client) execute(ctx context.Context, tok auth.Token, req *Request) (*transport.Response, error) {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Authorization", tok.Authorization())
	if header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}
	if c.config.UserAgent != "" {
		header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("credential", tok.Index).
		Msg("Executing request")

	startTime := time.Now()
	resp, err := transport.Call(ctx, c.doer, &transport.Request{
		Method: req.Method,
		URL:    resolveURL(c.config.BaseURL, req.Path),
		Query:  req.Query,
		Header: header,
		Body:   req.Body,
	})
	requestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())

	if err != nil {
		requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		c.logger.Error().Err(err).Str("path", req.Path).Msg("HTTP request failed")
		return nil, err
	}

	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn().
			Str("path", req.Path).
			Int("credential", tok.Index).
			Int("page", pageOf(resp.Request, c.config.PageParam)).
			Msg("Upstream rate limited request")
		return resp, &UpstreamError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassRateLimit,
			Message:    http.StatusText(resp.StatusCode),
			Response:   resp,
		}

	case resp.StatusCode == http.StatusUnauthorized && !tok.IsUserSupplied():
		// The next call on this credential runs a fresh grant.
		c.tokens.Invalidate(context.WithoutCancel(ctx), tok.Index)
		c.logger.Warn().Int("credential", tok.Index).Msg("Token rejected by API, dropping cached token")

	case resp.StatusCode >= 400:
		c.logger.Warn().
			Str("path", req.Path).
			Int("status", resp.StatusCode).
			Str("error_class", string(classifyStatus(resp.StatusCode))).
			Msg("Request error")
	}

	return resp, nil
}

// Disconnect stops every limiter and releases the shared backend, including
// the Redis client when one is configured. Traffic methods return
// ErrNotInitialized afterwards. Calling it again is a no-op.
func (c *Client) Disconnect() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.mu.Lock()
	limiters := c.limiters
	c.limiters = nil
	c.quotas = nil
	c.owners = nil
	c.initialized = false
	c.mu.Unlock()

	for _, l := range limiters {
		l.Stop()
	}
	c.userOwners.Purge()
	initializedCredentials.Set(0)

	var firstErr error
	if err := c.backend.Close(); err != nil {
		firstErr = err
	}
	if c.config.Redis != nil {
		if err := c.config.Redis.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close redis: %w", err)
		}
	}

	c.logger.Info().Int("limiters", len(limiters)).Msg("Client disconnected")
	return firstErr
}
