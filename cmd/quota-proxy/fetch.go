package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/quota-client/pkg/client"
	"github.com/Sternrassler/quota-client/pkg/config"
	"github.com/Sternrassler/quota-client/pkg/logging"
	"github.com/Sternrassler/quota-client/pkg/pagination"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newFetchCmd(a *app) *cobra.Command {
	var (
		start     int
		retries   int
		retryWait time.Duration
		params    []string
		pretty    bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <path>",
		Short: "Fetch every page of a listing as one JSON array",
		Long: `Fetch every page of a listing and print the merged JSON array to stdout.

Pages the API answers with 429 are re-issued by page number up to --retries
times, waiting --retry-wait between rounds. Pages that still fail are listed
on stderr and the command exits non-zero.

Examples:
  # Whole listing
  quota-proxy fetch /v1/projects/42/issues

  # Extra query parameters, starting at page 3
  quota-proxy fetch /v1/projects/42/issues --param state=open --start 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			f := newFetcher(c, a.config.Pagination, retries, retryWait, logging.WithComponent(a.logger, "fetch"))
			l, err := f.fetch(ctx, args[0], start, client.WithQuery(query))
			if err != nil {
				return err
			}

			res := l.result()
			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			if err := enc.Encode(res.Items); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			if len(res.FailedPages) > 0 {
				return fmt.Errorf("%d of %d pages failed: %v", len(res.FailedPages), res.Pages, res.FailedPages)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&start, "start", 1, "First page to fetch")
	cmd.Flags().IntVar(&retries, "retries", 3, "Rounds of re-issuing rate-limited pages")
	cmd.Flags().DurationVar(&retryWait, "retry-wait", 2*time.Second, "Wait before each re-issue round")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Query parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")

	return cmd
}

// parseParams turns key=value pairs into query parameters.
func parseParams(params []string) (url.Values, error) {
	query := url.Values{}
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", p)
		}
		query.Add(key, value)
	}
	return query, nil
}

// fetcher fetches whole listings and re-issues the pages the API rate
// limited. The client itself never retries; this is the caller-side policy.
type fetcher struct {
	client     *client.Client
	pagination config.PaginationConfig
	retries    int
	retryWait  time.Duration
	logger     zerolog.Logger
}

func newFetcher(c *client.Client, pg config.PaginationConfig, retries int, retryWait time.Duration, logger zerolog.Logger) *fetcher {
	return &fetcher{
		client:     c,
		pagination: pg,
		retries:    retries,
		retryWait:  retryWait,
		logger:     logger,
	}
}

func (f *fetcher) fetch(ctx context.Context, path string, start int, opts ...client.RequestOption) (*listing, error) {
	var pages []*pagination.Page
	err := f.retry(ctx, func() error {
		var err error
		pages, err = f.client.FetchAllPages(ctx, path, start, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}

	l, err := awaitListing(ctx, pages)
	if err != nil {
		return nil, err
	}

	for round := 1; round <= f.retries; round++ {
		limited := l.rateLimited()
		if len(limited) == 0 {
			break
		}

		f.logger.Warn().
			Str("path", path).
			Ints("pages", limited).
			Int("round", round).
			Msg("Re-issuing rate-limited pages")

		if err := sleep(ctx, f.retryWait); err != nil {
			return nil, err
		}

		outcomes := make([]pageOutcome, len(limited))
		var g errgroup.Group
		for i, n := range limited {
			i, n := i, n
			g.Go(func() error {
				resp, err := f.client.Get(ctx, path, f.pageOptions(n, opts)...)
				outcomes[i] = pageOutcome{resp: resp, err: err}
				return nil
			})
		}
		g.Wait()

		for i, n := range limited {
			l.set(n, outcomes[i].resp, outcomes[i].err)
		}
	}

	return l, nil
}

func (f *fetcher) pageOptions(page int, opts []client.RequestOption) []client.RequestOption {
	out := append([]client.RequestOption(nil), opts...)
	return append(out,
		client.WithParam(f.pagination.PageParam, strconv.Itoa(page)),
		client.WithParam(f.pagination.PageSizeParam, strconv.Itoa(f.pagination.PageSize)),
	)
}

// retry runs fn again while it fails with a 429, up to f.retries times.
func (f *fetcher) retry(ctx context.Context, fn func() error) error {
	err := fn()
	for attempt := 1; attempt <= f.retries && errors.Is(err, client.ErrUpstreamRateLimited); attempt++ {
		f.logger.Warn().Int("attempt", attempt).Msg("First page rate limited, retrying")
		if err := sleep(ctx, f.retryWait); err != nil {
			return err
		}
		err = fn()
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
