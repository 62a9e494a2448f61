package apiclient

import (
	"context"
	"time"
)

// Window is the trailing lookback interval an audit covers.
type Window struct {
	Since time.Time
	Until time.Time
}

// NewWindow returns the window [now - days, now].
func NewWindow(days int, now time.Time) Window {
	now = now.UTC()
	return Window{
		Since: now.AddDate(0, 0, -days),
		Until: now,
	}
}

// Contains reports whether ts falls inside the window. Zero timestamps never do.
func (w Window) Contains(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return !ts.Before(w.Since) && !ts.After(w.Until)
}

// Page is one page of a cursor-paginated collection.
type Page[T any] struct {
	Items []T
	// Next is the absolute URL of the following page, empty on the last page.
	Next string
}

// PageFetcher fetches the page addressed by pageURL.
type PageFetcher[T any] func(ctx context.Context, pageURL string) (Page[T], error)

// Collect follows page cursors from firstURL and concatenates their items.
// It stops when a page has no next cursor, when a page is empty, or when more
// reports false for the page just fetched. A nil more traverses every page.
func Collect[T any](ctx context.Context, firstURL string, fetch PageFetcher[T], more func(items []T) bool) ([]T, int, error) {
	var items []T
	pages := 0
	next := firstURL
	for next != "" {
		if err := ctx.Err(); err != nil {
			return nil, pages, err
		}
		page, err := fetch(ctx, next)
		if err != nil {
			return nil, pages, err
		}
		pages++
		items = append(items, page.Items...)

		if len(page.Items) == 0 {
			break
		}
		if more != nil && !more(page.Items) {
			break
		}
		next = page.Next
	}
	return items, pages, nil
}

// OldestWithin returns a Collect predicate for collections sorted newest first:
// pagination continues only while the oldest record of a page is still inside
// the window, since every later page is older still.
func OldestWithin[T any](window Window, timestamp func(T) time.Time) func(items []T) bool {
	return func(items []T) bool {
		var oldest time.Time
		for _, item := range items {
			ts := timestamp(item)
			if ts.IsZero() {
				continue
			}
			if oldest.IsZero() || ts.Before(oldest) {
				oldest = ts
			}
		}
		return !oldest.IsZero() && !oldest.Before(window.Since)
	}
}

// FilterWithin keeps the items whose own timestamp is inside the window.
func FilterWithin[T any](window Window, items []T, timestamp func(T) time.Time) []T {
	filtered := make([]T, 0, len(items))
	for _, item := range items {
		if window.Contains(timestamp(item)) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
