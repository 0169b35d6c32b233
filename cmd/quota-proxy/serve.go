package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/Sternrassler/quota-client/pkg/client"
	"github.com/Sternrassler/quota-client/pkg/logging"
	"github.com/Sternrassler/quota-client/pkg/metrics"
	"github.com/Sternrassler/quota-client/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const maxRequestBody = 10 << 20

// forwardedHeaders are copied from the proxied request to the API.
var forwardedHeaders = []string{"Content-Type", "Accept", "Accept-Language", "If-None-Match"}

// hopHeaders are not copied back from the API response.
var hopHeaders = []string{"Connection", "Content-Length", "Transfer-Encoding", "Keep-Alive"}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP proxy",
		Long: `Start the HTTP proxy with graceful shutdown on SIGINT or SIGTERM.

Routes:
  /health         liveness probe
  /metrics        Prometheus metrics
  /quotas         discovered quotas and live limiter state
  /api/<path>     forwards one call; "Authorization: Bearer <token>" sends it as that user
  /pages/<path>   fetches every page of a listing and merges the JSON arrays`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	logger := logging.WithComponent(a.logger, "proxy")

	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      newRouter(c, logger),
		ReadTimeout:  a.config.Server.ReadTimeout,
		WriteTimeout: a.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("HTTP server stopped gracefully")
	return nil
}

type proxy struct {
	client *client.Client
	logger zerolog.Logger
}

func newRouter(c *client.Client, logger zerolog.Logger) http.Handler {
	p := &proxy{client: c, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/quotas", p.quotas)
	r.Get("/pages/*", p.pages)
	r.HandleFunc("/api/*", p.forward)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (p *proxy) quotas(w http.ResponseWriter, r *http.Request) {
	quotas, err := p.client.Quotas()
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	stats, err := p.client.Stats(r.Context())
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotas": quotas, "limiters": stats})
}

// forward sends one call. A bearer token on the incoming request makes it a
// user call routed through the credential that issued the token.
func (p *proxy) forward(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	req := &client.Request{
		Method: r.Method,
		Path:   "/" + chi.URLParam(r, "*"),
		Query:  r.URL.Query(),
		Header: http.Header{},
	}
	if len(body) > 0 {
		req.Body = body
	}
	for _, key := range forwardedHeaders {
		if v := r.Header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	var resp *transport.Response
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		resp, err = p.client.DoAsUser(r.Context(), token, req)
	} else {
		resp, err = p.client.Do(r.Context(), req)
	}

	if resp == nil {
		p.writeError(w, r, err)
		return
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("path", req.Path).Msg("Returning upstream error response")
	}
	writeResponse(w, resp)
}

// pages fetches every page of a listing starting at the "start" parameter.
// Other query parameters are passed through.
func (p *proxy) pages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	start := 1
	if raw := query.Get("start"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start must be a positive integer"})
			return
		}
		start = n
	}
	query.Del("start")

	path := "/" + chi.URLParam(r, "*")
	pages, err := p.client.FetchAllPages(r.Context(), path, start, client.WithQuery(query))
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	l, err := awaitListing(r.Context(), pages)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	res := l.result()
	if len(res.FailedPages) > 0 {
		p.logger.Warn().Str("path", path).Ints("failed_pages", res.FailedPages).Msg("Listing incomplete")
	}
	writeJSON(w, http.StatusOK, res)
}

func (p *proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *client.UpstreamError
	if errors.As(err, &upstream) && upstream.Response != nil {
		writeResponse(w, upstream.Response)
		return
	}

	status := statusFor(err)
	p.logger.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Msg("Proxy request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a client error to the proxy's response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, client.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, client.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeResponse(w http.ResponseWriter, resp *transport.Response) {
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	for _, key := range hopHeaders {
		w.Header().Del(key)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
