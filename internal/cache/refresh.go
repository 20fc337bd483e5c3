package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/scrape"
)

// refreshInBackground starts a refresh of the month, or joins the one in
// flight, and reports whether one was scheduled. Failures are logged and
// reported as EventRefreshFailed.
func (m *Manager) refreshInBackground(year, month int) bool {
	key := core.MonthKey(year, month)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	// Set under m.mu together with DoChan: a flight finishing concurrently
	// either covers this request or has already been forgotten.
	m.refreshing[key] = true
	m.running.Add(1)
	ch := m.flights.DoChan(key, func() (interface{}, error) {
		return m.refresh(context.Background(), year, month)
	})
	m.mu.Unlock()

	go func() {
		defer m.running.Done()
		if res := <-ch; res.Err != nil {
			m.log.Debug().Err(res.Err).Str("key", key).Msg("background refresh failed; keeping cached data")
		}
	}()
	return true
}

// finish marks key idle and forgets its flight, so any later request starts
// a new refresh rather than joining this one.
func (m *Manager) finish(key string) {
	m.mu.Lock()
	delete(m.refreshing, key)
	m.flights.Forget(key)
	m.mu.Unlock()
}

// refresh fetches, filters and scrapes a month and replaces its entry.
// It runs inside the key's single flight.
func (m *Manager) refresh(ctx context.Context, year, month int) (CacheEntry, error) {
	key := core.MonthKey(year, month)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.finish(key)
		return CacheEntry{}, ErrClosed
	}
	m.refreshing[key] = true
	m.running.Add(1)
	m.mu.Unlock()

	runID := uuid.NewString()
	log := m.log.With().Str("key", key).Str("run", runID).Logger()

	defer func() {
		m.finish(key)
		m.emit(Event{Kind: EventRefreshFinished, Key: key})
		m.running.Done()
	}()

	m.emit(Event{Kind: EventRefreshStarted, Key: key})
	log.Debug().Msg("refresh started")

	events, err := m.calendar.FetchMonth(ctx, year, month)
	if err != nil {
		log.Warn().Err(err).Msg("calendar fetch failed")
		m.emit(Event{Kind: EventRefreshFailed, Key: key, Err: err})
		return CacheEntry{}, err
	}

	labs := scrape.FilterLabSubmissions(events)
	log.Debug().Int("events", len(events)).Int("labs", len(labs)).Msg("calendar fetched")

	records := m.scrapeBatches(ctx, key, labs)
	entry := CacheEntry{Data: records, UpdatedAt: m.now().UnixMilli()}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()

	if err := m.persist(ctx, key, entry); err != nil {
		log.Warn().Err(err).Msg("failed to persist cache")
	}

	log.Debug().Int("records", len(records)).Msg("refresh finished")
	m.emit(Event{Kind: EventUpdated, Key: key})
	return entry.clone(), nil
}

// scrapeBatches resolves events in sequential batches of BatchSize. Items in
// a batch run concurrently and all finish before the next batch starts.
func (m *Manager) scrapeBatches(ctx context.Context, key string, events []api.CalendarEvent) []api.SubmissionRecord {
	total := len(events)
	records := make([]api.SubmissionRecord, total)

	for start := 0; start < total; start += m.opts.BatchSize {
		end := min(start+m.opts.BatchSize, total)

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				records[i] = m.scrapeOne(ctx, events[i])
				return nil
			})
		}
		_ = g.Wait()

		m.emit(Event{Kind: EventProgress, Key: key, Done: end, Total: total})
	}
	return records
}

// scrapeOne isolates a single detail fetch: a panic becomes an error record.
func (m *Manager) scrapeOne(ctx context.Context, event api.CalendarEvent) (rec api.SubmissionRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event", event.Name).Msg("detail fetch panicked")
			rec = api.SubmissionRecord{
				EventName: event.Name,
				URL:       scrape.EventURL(event),
				TimeStart: event.TimeStart,
				Error:     fmt.Sprintf("%v", r),
			}
		}
	}()
	return m.scraper.Scrape(ctx, event)
}
