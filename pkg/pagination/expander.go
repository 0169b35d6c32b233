package pagination

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/quota-client/pkg/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultTotalCountHeader carries the total number of items across all pages.
const DefaultTotalCountHeader = "X-Total-Count"

// Config holds expander configuration
type Config struct {
	// PageSize is the number of items per page requested by the caller.
	PageSize int

	// TotalCountHeader names the response header with the total item count.
	TotalCountHeader string
}

// DefaultConfig returns the default expander configuration
func DefaultConfig() Config {
	return Config{
		PageSize:         100,
		TotalCountHeader: DefaultTotalCountHeader,
	}
}

// FetchFunc fetches one page by number.
type FetchFunc func(ctx context.Context, page int) (*transport.Response, error)

// Page is a page fetch that may still be in flight.
type Page struct {
	Number int

	done chan struct{}
	resp *transport.Response
	err  error
}

func newPage(number int) *Page {
	return &Page{Number: number, done: make(chan struct{})}
}

func resolvedPage(number int, resp *transport.Response, err error) *Page {
	p := newPage(number)
	p.resolve(resp, err)
	return p
}

func (p *Page) resolve(resp *transport.Response, err error) {
	p.resp = resp
	p.err = err
	close(p.done)
}

// Done is closed once the page has resolved.
func (p *Page) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the page resolves or ctx ends. A failed page may still
// carry its response, as with an upstream 429.
func (p *Page) Wait(ctx context.Context) (*transport.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Expander turns one listing request into its page requests.
type Expander struct {
	config Config
	logger zerolog.Logger
}

// NewExpander creates an expander. Zero config fields take their defaults.
func NewExpander(config Config, logger zerolog.Logger) *Expander {
	d := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = d.PageSize
	}
	if config.TotalCountHeader == "" {
		config.TotalCountHeader = d.TotalCountHeader
	}
	return &Expander{
		config: config,
		logger: logger.With().Str("component", "pagination").Logger(),
	}
}

// PageSize returns the configured page size.
func (e *Expander) PageSize() int {
	return e.config.PageSize
}

// FetchAll fetches page start synchronously. Without a usable total-count
// header the result is that single page. Otherwise pages start+1 through
// ceil(total/PageSize) are started immediately without awaiting them, and
// returned in page order after the first. ctx governs every page fetch.
func (e *Expander) FetchAll(ctx context.Context, fetch FetchFunc, start int) ([]*Page, error) {
	if start < 1 {
		start = 1
	}
	begin := time.Now()

	first, err := fetch(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}
	pages := []*Page{resolvedPage(start, first, nil)}

	totalItems, ok := e.totalItems(first)
	if !ok {
		e.logger.Debug().Int("page", start).Msg("No total count header, single page result")
		return pages, nil
	}

	totalPages := (totalItems + e.config.PageSize - 1) / e.config.PageSize
	if totalPages <= start {
		return pages, nil
	}

	e.logger.Info().
		Int("total_items", totalItems).
		Int("total_pages", totalPages).
		Int("start", start).
		Dur("first_page", time.Since(begin)).
		Msg("Scheduling remaining pages")

	for n := start + 1; n <= totalPages; n++ {
		p := newPage(n)
		pages = append(pages, p)
		go func() {
			resp, err := fetch(ctx, p.Number)
			if err != nil {
				e.logger.Warn().Err(err).Int("page", p.Number).Msg("Page fetch failed")
			}
			p.resolve(resp, err)
		}()
	}

	return pages, nil
}

func (e *Expander) totalItems(resp *transport.Response) (int, bool) {
	if resp == nil {
		return 0, false
	}
	raw := resp.Header.Get(e.config.TotalCountHeader)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		e.logger.Warn().Str("value", raw).Msg("Ignoring malformed total count header")
		return 0, false
	}
	return n, true
}

// Collect waits for every page and returns the responses in page order.
// All pages are awaited even when some fail; the first failure is returned
// and the failed pages' entries hold whatever response they carried.
func Collect(ctx context.Context, pages []*Page) ([]*transport.Response, error) {
	responses := make([]*transport.Response, len(pages))

	var g errgroup.Group
	for i, p := range pages {
		i, p := i, p
		g.Go(func() error {
			resp, err := p.Wait(ctx)
			responses[i] = resp
			if err != nil {
				return fmt.Errorf("page %d: %w", p.Number, err)
			}
			return nil
		})
	}

	err := g.Wait()
	return responses, err
}

// Failed returns the pages that resolved with an error. Call it after the
// pages are done, e.g. after Collect.
func Failed(pages []*Page) []*Page {
	var failed []*Page
	for _, p := range pages {
		select {
		case <-p.done:
			if p.err != nil {
				failed = append(failed, p)
			}
		default:
		}
	}
	return failed
}
