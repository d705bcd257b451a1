// Package pagination warms the response cache with every page of a paginated
// list so the list stays browsable while offline.
//
// Paginated endpoints answer with a JSON object carrying total_pages. The
// prefetcher fetches page 1 to learn the count, then fetches the remaining
// pages with bounded parallelism. Each page goes through the executor, so it
// is cached and mirrored like any other read.
//
// Example usage:
//
//	prefetcher := pagination.NewPrefetcher(executor, pagination.DefaultConfig(), logger)
//	pages, err := prefetcher.FetchAllPages(ctx, "/api/documents?page_size=50")
//
// On failure the pages fetched so far are returned along with the error.
package pagination
