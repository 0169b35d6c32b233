package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/quota-client/pkg/auth"
	"github.com/Sternrassler/quota-client/pkg/quota"
	"github.com/Sternrassler/quota-client/pkg/ratelimit"
	"github.com/Sternrassler/quota-client/pkg/transport"
)

// Errors returned by the client. Use errors.Is to match them.
var (
	// ErrNotInitialized is returned by traffic methods called before Initialize.
	ErrNotInitialized = errors.New("client not initialized: call Initialize first")

	// ErrConfiguration is returned when the configuration cannot serve a call,
	// e.g. a user token whose application has no configured credential.
	ErrConfiguration = errors.New("configuration error")

	// ErrUpstreamRateLimited is returned with the response when the API answers 429.
	ErrUpstreamRateLimited = errors.New("upstream rate limited")

	// ErrAuth matches every rejected token grant.
	ErrAuth = auth.ErrAuth

	// ErrQuota matches every failed quota discovery.
	ErrQuota = quota.ErrQuota

	// ErrTimeout is returned when a job expired while queued in a limiter.
	ErrTimeout = ratelimit.ErrJobExpired

	// ErrTransport matches network-level failures.
	ErrTransport = transport.ErrTransport
)

// ErrorClass represents a classification of errors for metrics and logs.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents rejected token grants.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassTimeout represents jobs that expired in the queue.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCancelled represents calls abandoned by the caller's context.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// UpstreamError represents a non-success response from the API. Only 429
// responses are returned as errors; the response travels with it so the
// caller can decide whether to re-issue the call.
type UpstreamError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Response   *transport.Response
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Response != nil && e.Response.Request != nil {
		return fmt.Sprintf("upstream %s error (status %d) for %s %s: %s",
			e.ErrorClass, e.StatusCode, e.Response.Request.Method, e.Response.Request.URL, e.Message)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrUpstreamRateLimited) true for 429 responses.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Page returns the page query parameter of the failed request, or 0.
func (e *UpstreamError) Page(param string) int {
	if e.Response == nil || e.Response.Request == nil {
		return 0
	}
	return pageOf(e.Response.Request, param)
}

// classifyStatus categorizes a response status.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyError categorizes an error returned by the request path.
func classifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUpstreamRateLimited):
		return ErrorClassRateLimit
	case errors.Is(err, ErrTimeout):
		return ErrorClassTimeout
	case errors.Is(err, ErrAuth):
		return ErrorClassAuth
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassCancelled
	case errors.Is(err, ErrTransport):
		return ErrorClassNetwork
	default:
		return ErrorClassClient
	}
}
