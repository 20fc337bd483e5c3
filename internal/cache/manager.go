package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
)

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	// StorageKey names the persisted blob; see core.StorageKey.
	StorageKey string
	// FreshFor is how long an entry is served without a background refresh.
	FreshFor time.Duration
	// MaxAge is the retention window for persisted entries.
	MaxAge time.Duration
	// BatchSize bounds concurrent detail fetches.
	BatchSize int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager orchestrates the month cache and its refreshes.
//
// # Features
//
//   - Serves cached months immediately and refreshes stale ones in the background
//   - Coalesces concurrent refreshes of a month into one network round-trip
//   - Scrapes details in sequential batches with per-item fault isolation
//   - Persists all months as one blob, pruning expired entries on every write
//   - Notifies subscribers so renderers can redraw the month on screen
//
// # Cache Validity
//
// An entry is fresh iff it has a timestamp younger than FreshFor. Stale
// entries are still served; a refresh replaces them only on success.
type Manager struct {
	calendar CalendarFetcher
	scraper  DetailScraper
	store    Store
	opts     Options
	log      zerolog.Logger

	mu         sync.Mutex
	entries    map[string]CacheEntry
	refreshing map[string]bool
	closed     bool

	flights singleflight.Group
	// storeLock serializes the blob read-modify-write.
	storeLock sync.Mutex
	// running counts refreshes so Close can wait for them.
	running sync.WaitGroup

	subLock sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewManager creates a new cache manager.
// If store is nil, an in-memory store is used.
func NewManager(calendar CalendarFetcher, scraper DetailScraper, store Store, opts Options) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.StorageKey == "" {
		opts.StorageKey = core.StorageKey(core.DefaultPortalURL)
	}
	if opts.FreshFor <= 0 {
		opts.FreshFor = core.CacheFreshFor
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = core.CacheMaxAge
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = core.DetailBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		calendar:   calendar,
		scraper:    scraper,
		store:      store,
		opts:       opts,
		log:        logging.WithComponent("cache"),
		entries:    make(map[string]CacheEntry),
		refreshing: make(map[string]bool),
		subs:       make(map[int]func(Event)),
	}
}

func (m *Manager) now() time.Time {
	return m.opts.Now()
}

// Get returns the records for a month.
//
// Lookup rules:
//   - In-memory entry, else persisted entry within retention: return it at
//     once; if ForceRefresh or it is older than FreshFor, start a background
//     refresh and set Refreshing
//   - Persisted entry beyond retention: delete it and treat the month as empty
//   - Persisted entry without a timestamp: serve it as stale
//   - No entry: refresh in the foreground (joining one in flight) and return
//     its result or error
//
// A cancelled ctx stops the wait, not the refresh.
func (m *Manager) Get(ctx context.Context, year, month int, opts GetOptions) (*Result, error) {
	key := core.MonthKey(year, month)

	if entry, ok := m.lookup(ctx, key); ok {
		scheduled := false
		if opts.ForceRefresh || !m.isFresh(entry) {
			scheduled = m.refreshInBackground(year, month)
		}
		res := m.result(key, entry)
		res.Refreshing = res.Refreshing || scheduled
		return res, nil
	}

	m.emit(Event{Kind: EventLoading, Key: key})
	m.log.Debug().Str("key", key).Msg("no cached data; loading")

	ch := m.flights.DoChan(key, func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx), year, month)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return m.result(key, res.Val.(CacheEntry)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the in-memory entry for a month without touching the store
// or the network.
func (m *Manager) Peek(year, month int) (*Result, bool) {
	key := core.MonthKey(year, month)
	m.mu.Lock()
	entry, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.result(key, entry), true
}

func (m *Manager) result(key string, entry CacheEntry) *Result {
	entry = entry.clone()
	return &Result{
		Key:        key,
		Records:    entry.Data,
		UpdatedAt:  entry.Updated(),
		Refreshing: m.IsRefreshing(key),
	}
}

func (m *Manager) isFresh(entry CacheEntry) bool {
	if entry.UpdatedAt == 0 {
		return false
	}
	return m.now().Sub(entry.Updated()) < m.opts.FreshFor
}

// IsRefreshing reports whether a refresh of key is in flight.
func (m *Manager) IsRefreshing(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshing[key]
}

// lookup hydrates a month: memory first, then the persisted blob.
func (m *Manager) lookup(ctx context.Context, key string) (CacheEntry, bool) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	m.mu.Unlock()
	if ok {
		return entry, true
	}

	m.storeLock.Lock()
	defer m.storeLock.Unlock()

	all, err := m.readAll(ctx)
	if err != nil {
		return CacheEntry{}, false
	}
	entry, ok = all[key]
	if !ok {
		return CacheEntry{}, false
	}

	// An entry without a timestamp is served as stale; the next persist
	// drops it.
	if entry.UpdatedAt != 0 && expired(entry, m.now(), m.opts.MaxAge) {
		m.log.Debug().Str("key", key).Msg("persisted entry beyond retention; evicting")
		kept, _ := EvictStale(all, m.now(), m.opts.MaxAge)
		if err := m.writeAll(ctx, kept); err != nil {
			m.log.Warn().Err(err).Msg("failed to write back pruned cache")
		}
		return CacheEntry{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A refresh may have landed while the store was read.
	if current, ok := m.entries[key]; ok {
		return current, true
	}
	m.entries[key] = entry
	return entry, true
}

// Subscribe registers fn for every event and returns its unsubscribe func.
// fn runs on the goroutine that emits and must not block for long.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subLock.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subLock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subLock.Lock()
			delete(m.subs, id)
			m.subLock.Unlock()
		})
	}
}

func (m *Manager) emit(ev Event) {
	m.subLock.RLock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subLock.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close waits for in-flight refreshes (bounded by ctx) and then drops the
// in-memory entries. Persisted data is untouched.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.log.Warn().Err(err).Msg("closing with refreshes still running")
	}

	m.mu.Lock()
	m.entries = make(map[string]CacheEntry)
	m.mu.Unlock()
	return err
}
