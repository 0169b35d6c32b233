package main

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/Sternrassler/quota-client/pkg/client"
	"github.com/Sternrassler/quota-client/pkg/pagination"
	"github.com/Sternrassler/quota-client/pkg/transport"
)

// pageResult is a listing merged into one array.
type pageResult struct {
	Items       []json.RawMessage `json:"items"`
	Pages       int               `json:"pages"`
	FailedPages []int             `json:"failed_pages,omitempty"`
}

type pageOutcome struct {
	resp *transport.Response
	err  error
}

// listing holds the latest outcome of every page of one listing.
type listing struct {
	outcomes map[int]pageOutcome
}

// awaitListing waits for every page. Only a done ctx aborts it; page
// failures are kept as outcomes.
func awaitListing(ctx context.Context, pages []*pagination.Page) (*listing, error) {
	if _, err := pagination.Collect(ctx, pages); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	l := &listing{outcomes: make(map[int]pageOutcome, len(pages))}
	for _, p := range pages {
		resp, err := p.Wait(ctx)
		l.set(p.Number, resp, err)
	}
	return l, nil
}

func (l *listing) set(page int, resp *transport.Response, err error) {
	l.outcomes[page] = pageOutcome{resp: resp, err: err}
}

// numbers returns the page numbers in ascending order.
func (l *listing) numbers() []int {
	numbers := make([]int, 0, len(l.outcomes))
	for n := range l.outcomes {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

// rateLimited returns the pages the API answered with 429.
func (l *listing) rateLimited() []int {
	var pages []int
	for _, n := range l.numbers() {
		if errors.Is(l.outcomes[n].err, client.ErrUpstreamRateLimited) {
			pages = append(pages, n)
		}
	}
	return pages
}

// result concatenates the JSON array bodies of the successful pages in page
// order. Pages that failed, answered non-2xx or carry no array are reported
// in FailedPages.
func (l *listing) result() pageResult {
	res := pageResult{Items: []json.RawMessage{}}
	for _, n := range l.numbers() {
		res.Pages++
		out := l.outcomes[n]
		if out.err != nil || out.resp == nil || !out.resp.OK() {
			res.FailedPages = append(res.FailedPages, n)
			continue
		}

		var items []json.RawMessage
		if err := out.resp.Decode(&items); err != nil {
			res.FailedPages = append(res.FailedPages, n)
			continue
		}
		res.Items = append(res.Items, items...)
	}
	return res
}
