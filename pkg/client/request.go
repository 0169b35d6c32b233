package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/quota-client/pkg/transport"
)

// Request is one call relative to Config.BaseURL.
type Request struct {
	Method string

	// Path is joined to BaseURL. An absolute URL is used as is.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// RequestOption customizes a Request.
type RequestOption func(*Request) error

// WithQuery adds query parameters.
func WithQuery(query url.Values) RequestOption {
	return func(r *Request) error {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		for key, values := range query {
			for _, v := range values {
				r.Query.Add(key, v)
			}
		}
		return nil
	}
}

// WithParam sets a single query parameter.
func WithParam(key, value string) RequestOption {
	return func(r *Request) error {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		r.Query.Set(key, value)
		return nil
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) error {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Set(key, value)
		return nil
	}
}

// WithBody sets a raw request body.
func WithBody(body []byte, contentType string) RequestOption {
	return func(r *Request) error {
		r.Body = body
		if contentType != "" {
			return WithHeader("Content-Type", contentType)(r)
		}
		return nil
	}
}

// WithJSON encodes v as the request body.
func WithJSON(v any) RequestOption {
	return func(r *Request) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		return WithBody(data, "application/json")(r)
	}
}

func newRequest(method, path string, opts []RequestOption) (*Request, error) {
	req := &Request{Method: method, Path: path}
	for _, opt := range opts {
		if err := opt(req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// clone returns a copy whose query and headers may be modified freely.
func (r *Request) clone() *Request {
	c := *r
	c.Query = url.Values{}
	for key, values := range r.Query {
		c.Query[key] = append([]string(nil), values...)
	}
	c.Header = r.Header.Clone()
	return &c
}

func resolveURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func pageOf(req *transport.Request, param string) int {
	if v := req.Query.Get(param); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	if u, err := url.Parse(req.URL); err == nil {
		n, _ := strconv.Atoi(u.Query().Get(param))
		return n
	}
	return 0
}
