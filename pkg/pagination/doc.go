// Package pagination expands one logical listing request into all of its
// page requests.
//
// The first page is fetched synchronously to read the total item count from
// a response header (X-Total-Count by default). The remaining pages are then
// started at once, each through the caller's fetch function, and returned
// as pending Pages. Pacing and concurrency are left to whatever limiter sits
// behind the fetch function.
//
// Example usage:
//
//	exp := pagination.NewExpander(pagination.DefaultConfig(), logger)
//	pages, err := exp.FetchAll(ctx, fetchPage, 1)
//	responses, err := pagination.Collect(ctx, pages)
//
// The expander never retries. A page that fails (for example with an
// upstream 429) resolves with its error, and Page.Number tells the caller
// which page to re-issue.
package pagination
