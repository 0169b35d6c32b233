// Package testutil provides a fake upstream API for client tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Paths served by MockAPI.
const (
	TokenPath = "/oauth/token"
	ProbePath = "/me"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// AppQuota is the rate limit an application reports in its response headers.
type AppQuota struct {
	HourlyLimit     int
	HourlyRemaining int
	SecondlyLimit   int
}

// RecordedRequest is one authenticated request seen by the mock.
type RecordedRequest struct {
	Method        string
	Path          string
	Query         string
	Page          int
	Authorization string
	AppID         string
	Body          string
}

type mockCredential struct {
	secret string
	appID  string
}

// MockAPI is a configurable fake upstream: a client-credentials token
// endpoint plus resource endpoints that report per-application quota headers
// and paginate listings with X-Total-Count.
type MockAPI struct {
	server *httptest.Server

	mu          sync.Mutex
	credentials map[string]mockCredential
	tokens      map[string]string
	quotas      map[string]*AppQuota
	handlers    map[string]func(w http.ResponseWriter, r *http.Request)
	listings    map[string]int
	throttled   map[string]int
	grants      map[string]int
	requests    []RecordedRequest
	expiresIn   int
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

// NewMockAPI starts a mock server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		credentials: make(map[string]mockCredential),
		tokens:      make(map[string]string),
		quotas:      make(map[string]*AppQuota),
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		listings:    make(map[string]int),
		throttled:   make(map[string]int),
		grants:      make(map[string]int),
		expiresIn:   3600,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// TokenURL returns the token endpoint URL.
func (m *MockAPI) TokenURL() string {
	return m.server.URL + TokenPath
}

// Client returns an HTTP client wired to the mock server.
func (m *MockAPI) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// AddCredential registers a client id/secret pair belonging to appID.
func (m *MockAPI) AddCredential(clientID, secret, appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[clientID] = mockCredential{secret: secret, appID: appID}
	if _, ok := m.quotas[appID]; !ok {
		m.quotas[appID] = &AppQuota{HourlyLimit: 1000, HourlyRemaining: 1000, SecondlyLimit: 10}
	}
}

// AddUserToken registers an end-user access token issued for appID.
func (m *MockAPI) AddUserToken(token, appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = appID
	if _, ok := m.quotas[appID]; !ok {
		m.quotas[appID] = &AppQuota{HourlyLimit: 1000, HourlyRemaining: 1000, SecondlyLimit: 10}
	}
}

// SetQuota sets the quota reported for appID.
func (m *MockAPI) SetQuota(appID string, q AppQuota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[appID] = &q
}

// SetTokenExpiry sets expires_in for subsequently granted tokens.
func (m *MockAPI) SetTokenExpiry(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiresIn = seconds
}

// SetDelay delays every resource response.
func (m *MockAPI) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetListing serves path as a paginated listing of totalItems items.
// Pages are selected with the page and per_page query parameters.
func (m *MockAPI) SetListing(path string, totalItems int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[path] = totalItems
}

// Throttle makes the next n requests for page of path answer 429.
func (m *MockAPI) Throttle(path string, page, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttled[throttleKey(path, page)] = n
}

// SetHandler sets a custom handler for a specific path. Authentication and
// quota headers are still applied.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// Grants returns how many tokens were granted to clientID.
func (m *MockAPI) Grants(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[clientID]
}

// Requests returns the authenticated requests seen so far.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsTo returns the recorded requests for path.
func (m *MockAPI) RequestsTo(path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// MaxInFlight returns the highest number of concurrent resource requests seen.
func (m *MockAPI) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Reset clears recorded requests and counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.grants = make(map[string]int)
	m.maxInFlight = 0
}

func (m *MockAPI) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == TokenPath {
		m.serveToken(w, r)
		return
	}

	appID, ok := m.authenticate(r.Header.Get("Authorization"))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		Page:          page,
		Authorization: r.Header.Get("Authorization"),
		AppID:         appID,
		Body:          string(body),
	})
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay := m.delay
	q := m.quotas[appID]
	if q.HourlyRemaining > 0 {
		q.HourlyRemaining--
	}
	quota := *q
	handler := m.handlers[r.URL.Path]
	total, isListing := m.listings[r.URL.Path]
	key := throttleKey(r.URL.Path, page)
	throttle := m.throttled[key] > 0
	if throttle {
		m.throttled[key]--
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}

	h := w.Header()
	h.Set("X-Application-Id", appID)
	h.Set("X-Ratelimit-Hourly-Limit", strconv.Itoa(quota.HourlyLimit))
	h.Set("X-Ratelimit-Hourly-Remaining", strconv.Itoa(quota.HourlyRemaining))
	h.Set("X-Ratelimit-Secondly-Limit", strconv.Itoa(quota.SecondlyLimit))
	h.Set("X-Ratelimit-Secondly-Remaining", strconv.Itoa(quota.SecondlyLimit))

	switch {
	case throttle:
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	case handler != nil:
		handler(w, r)
	case isListing:
		m.serveListing(w, r, total)
	case r.URL.Path == ProbePath:
		writeJSON(w, http.StatusOK, map[string]string{"application_id": appID})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (m *MockAPI) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	clientID := r.PostForm.Get("client_id")

	m.mu.Lock()
	cred, ok := m.credentials[clientID]
	if !ok || cred.secret != r.PostForm.Get("client_secret") {
		m.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	m.grants[clientID]++
	token := fmt.Sprintf("tok-%s-%d", clientID, m.grants[clientID])
	m.tokens[token] = cred.appID
	expiresIn := m.expiresIn
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   expiresIn,
	})
}

func (m *MockAPI) authenticate(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	appID, ok := m.tokens[token]
	return appID, ok
}

func (m *MockAPI) serveListing(w http.ResponseWriter, r *http.Request, total int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = 100
	}

	items := []int{}
	for i := (page - 1) * perPage; i < page*perPage && i < total; i++ {
		items = append(items, i)
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, items)
}

func throttleKey(path string, page int) string {
	return path + "#" + strconv.Itoa(page)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
