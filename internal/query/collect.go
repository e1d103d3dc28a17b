package query

import (
	"context"

	"singletable/internal/schema"
)

// Collect repeatedly calls Run, following NextCursor, until the backend
// reports no further cursor or maxPages pages have been fetched —
// SPEC_FULL.md §C.3's exhaust_pagination helper for callers that want
// "every matching record" rather than one page at a time. maxPages <= 0
// means unlimited.
func (e *Engine) Collect(ctx context.Context, in Input, maxPages int) ([]*schema.Record, error) {
	var all []*schema.Record
	page := 0
	for {
		res, err := e.Run(ctx, in)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Records...)
		page++
		if res.NextCursor == "" {
			return all, nil
		}
		if maxPages > 0 && page >= maxPages {
			return all, nil
		}
		in.PaginationKey = res.NextCursor
	}
}
