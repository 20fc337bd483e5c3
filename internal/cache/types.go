// Package cache provides the month-keyed cache of lab submission records.
//
// # Overview
//
// Each calendar month ("2024-3") maps to one CacheEntry holding the scraped
// submission records and the time they were fetched. All entries for a
// portal live in a single JSON blob under one storage key
// (cwLabsheetCache:v1:<origin>):
//
//	{
//	  "2024-3": {"data": [...], "updatedAt": 1709830740000},
//	  "2024-4": {"data": [], "updatedAt": 1712509140000}
//	}
//
// # Read Path
//
// Get answers from memory, then from the persisted blob. A cached month is
// returned immediately; if it is older than the freshness window (10
// minutes) a background refresh is scheduled and the caller is told one is
// pending. Only a month with no data at all blocks on the network.
//
// # Refresh
//
// A refresh fetches the month's calendar, keeps lab submission events,
// scrapes each assignment page in batches of three and replaces the entry
// wholesale. Concurrent refreshes of one month share a single flight.
// Failures never destroy cached data.
//
// # Retention
//
// Every persisted write drops entries older than the retention window (30
// days) or without a timestamp.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/colthorp/labsheets-cli-go/internal/api"
)

// ErrNotFound is returned by a Store when the key has no blob.
var ErrNotFound = errors.New("cache: not found")

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("cache: manager closed")

// CacheEntry is one month's records with the time they were fetched.
// UpdatedAt is unix milliseconds; zero means unknown and is pruned.
type CacheEntry struct {
	Data      []api.SubmissionRecord `json:"data"`
	UpdatedAt int64                  `json:"updatedAt"`
}

// Updated returns UpdatedAt as a time, zero when unset.
func (e CacheEntry) Updated() time.Time {
	if e.UpdatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.UpdatedAt)
}

func (e CacheEntry) clone() CacheEntry {
	data := make([]api.SubmissionRecord, len(e.Data))
	copy(data, e.Data)
	return CacheEntry{Data: data, UpdatedAt: e.UpdatedAt}
}

// Entries is the persisted blob: month key to entry.
type Entries map[string]CacheEntry

// Store is the persisted key-value blob storage.
type Store interface {
	// Get returns the blob under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the blob under key.
	Set(ctx context.Context, key string, blob []byte) error
}

// CalendarFetcher returns every calendar event of a month.
type CalendarFetcher interface {
	FetchMonth(ctx context.Context, year, month int) ([]api.CalendarEvent, error)
}

// DetailScraper resolves one event into a record. It reports problems in
// the record instead of returning an error.
type DetailScraper interface {
	Scrape(ctx context.Context, event api.CalendarEvent) api.SubmissionRecord
}

// EventKind identifies a manager notification.
type EventKind int

const (
	// EventLoading fires when a month with no data starts a foreground load.
	EventLoading EventKind = iota
	// EventProgress reports Done/Total detail fetches after each batch.
	EventProgress
	EventRefreshStarted
	// EventUpdated fires after new data replaced the entry.
	EventUpdated
	// EventRefreshFailed carries Err; cached data is unchanged.
	EventRefreshFailed
	EventRefreshFinished
)

func (k EventKind) String() string {
	switch k {
	case EventLoading:
		return "loading"
	case EventProgress:
		return "progress"
	case EventRefreshStarted:
		return "refresh-started"
	case EventUpdated:
		return "updated"
	case EventRefreshFailed:
		return "refresh-failed"
	case EventRefreshFinished:
		return "refresh-finished"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind  EventKind
	Key   string
	Done  int
	Total int
	Err   error
}

// GetOptions tunes a Get call.
type GetOptions struct {
	// ForceRefresh schedules a refresh even when the entry is fresh.
	ForceRefresh bool
}

// Result is what Get returns: a copy of the month's records.
type Result struct {
	Key        string
	Records    []api.SubmissionRecord
	UpdatedAt  time.Time
	Refreshing bool
}

// EntryInfo describes one month for listing.
type EntryInfo struct {
	Key       string
	Records   int
	Errors    int
	UpdatedAt time.Time
	InMemory  bool
	Persisted bool
}
