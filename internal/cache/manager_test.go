package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/scrape"
)

const statusPage = `<html><head><title>SE3032: %s | CourseWeb</title></head><body>
<ol class="breadcrumb"><li><a>Home</a></li><li><a>SE3032 - Software Engineering</a></li></ol>
<table class="submissionstatustable"><tr><th>Submission status</th><td>%s</td></tr></table>
</body></html>`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	manager   *Manager
	transport *api.InMemoryTransport
	store     *MemoryStore
	clock     *fakeClock
	events    chan Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transport: api.NewInMemoryTransport(),
		store:     NewMemoryStore(),
		clock:     newFakeClock(),
		events:    make(chan Event, 256),
	}
	f.manager = NewManager(
		api.NewPortalAPI(f.transport),
		scrape.New(f.transport),
		f.store,
		Options{StorageKey: testStorageKey, Now: f.clock.Now},
	)
	unsubscribe := f.manager.Subscribe(func(ev Event) {
		select {
		case f.events <- ev:
		default:
		}
	})
	t.Cleanup(func() {
		unsubscribe()
		f.manager.Close(context.Background())
	})
	return f
}

// seedLabs seeds March 2024 with n lab events, each with a status page.
func (f *fixture) seedLabs(n int, status string) {
	events := []api.CalendarEvent{{ID: 999, Name: "Midterm Exam", URL: "https://cw/quiz"}}
	for i := 1; i <= n; i++ {
		url := fmt.Sprintf("https://cw/mod/assign/view.php?id=%d", i)
		name := fmt.Sprintf("Lab Sheet %d", i)
		events = append(events, api.CalendarEvent{ID: i, Name: name, URL: url, TimeStart: int64(1709800000 + i)})
		f.transport.SeedPage(url, fmt.Sprintf(statusPage, name, status))
	}
	f.transport.Seed(2024, 3, events...)
}

func (f *fixture) calendarCalls() int {
	return f.transport.CallsMade(core.CalendarMonthlyRPC)
}

func (f *fixture) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// drain discards events emitted so far.
func (f *fixture) drain() {
	for {
		select {
		case <-f.events:
		default:
			return
		}
	}
}

func (f *fixture) blob(t *testing.T) []byte {
	t.Helper()
	blob, err := f.store.Get(context.Background(), testStorageKey)
	if err != nil {
		t.Fatalf("Expected persisted blob: %v", err)
	}
	return blob
}

func (f *fixture) persisted(t *testing.T) Entries {
	t.Helper()
	var all Entries
	if err := json.Unmarshal(f.blob(t), &all); err != nil {
		t.Fatalf("Persisted blob is not valid JSON: %v", err)
	}
	return all
}

func TestManagerColdLoad(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(2, "No attempt")
	f.transport.Seed(2024, 3, append(
		[]api.CalendarEvent{{ID: 50, Name: "Practical 9"}},
		api.CalendarEvent{ID: 1, Name: "Lab Sheet 1", URL: "https://cw/mod/assign/view.php?id=1"},
		api.CalendarEvent{ID: 2, Name: "Midterm Exam"},
	)...)

	res, err := f.manager.Get(context.Background(), 2024, 3, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if res.Key != "2024-3" {
		t.Errorf("Expected key 2024-3, got %s", res.Key)
	}
	if len(res.Records) != 2 {
		t.Fatalf("Expected 2 lab records, got %d", len(res.Records))
	}
	if res.Records[0].Error != scrape.ErrNoURL {
		t.Errorf("Expected first record to carry %q, got %+v", scrape.ErrNoURL, res.Records[0])
	}
	if res.Records[1].SubmissionStatus != "No attempt" || res.Records[1].CourseCode != "SE3032" {
		t.Errorf("Unexpected scraped record: %+v", res.Records[1])
	}
	if !res.UpdatedAt.Equal(f.clock.Now().Truncate(time.Millisecond)) {
		t.Errorf("Expected UpdatedAt %v, got %v", f.clock.Now(), res.UpdatedAt)
	}
	if res.Refreshing {
		t.Error("Expected no pending refresh after a foreground load")
	}

	all := f.persisted(t)
	entry, ok := all["2024-3"]
	if !ok {
		t.Fatal("Expected 2024-3 to be persisted")
	}
	if entry.UpdatedAt != f.clock.Now().UnixMilli() || len(entry.Data) != 2 {
		t.Errorf("Unexpected persisted entry: %+v", entry)
	}

	f.waitFor(t, EventLoading)
}

func TestManagerIdempotentRead(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(3, "Submitted for grading")
	ctx := context.Background()

	first, err := f.manager.Get(ctx, 2024, 3, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	requests := f.transport.RequestsMade()

	f.clock.Advance(5 * time.Minute)
	second, err := f.manager.Get(ctx, 2024, 3, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if f.transport.RequestsMade() != requests {
		t.Errorf("Expected no requests for a fresh entry, got %d more", f.transport.RequestsMade()-requests)
	}
	if second.Refreshing {
		t.Error("Expected no refresh for a fresh entry")
	}
	if len(first.Records) != len(second.Records) || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("Expected identical results, got %+v and %+v", first, second)
	}

	// Results are copies
	second.Records[0].SubmissionStatus = "mutated"
	third, _ := f.manager.Get(ctx, 2024, 3, GetOptions{})
	if third.Records[0].SubmissionStatus == "mutated" {
		t.Error("Expected Get to return a copy of cached records")
	}
}

func TestManagerCoalescesConcurrentLoads(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(2, "No attempt")
	release := f.transport.Hold()
	defer release()

	var loading int32
	f.manager.Subscribe(func(ev Event) {
		if ev.Kind == EventLoading {
			atomic.AddInt32(&loading, 1)
		}
	})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.Get(context.Background(), 2024, 3, GetOptions{ForceRefresh: true})
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&loading) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Both callers are past the loading event and into the flight.
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
	}
	if calls := f.calendarCalls(); calls != 1 {
		t.Errorf("Expected exactly 1 calendar fetch, got %d", calls)
	}
	if len(results[0].Records) != 2 || len(results[1].Records) != 2 {
		t.Errorf("Expected both callers to get the shared result")
	}
}

func TestManagerStaleServesCacheAndRefreshes(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(1, "No attempt")
	ctx := context.Background()

	if _, err := f.manager.Get(ctx, 2024, 3, GetOptions{}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	f.drain()
	f.clock.Advance(11 * time.Minute)
	f.seedLabs(1, "Submitted for grading")

	res, err := f.manager.Get(ctx, 2024, 3, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Records[0].SubmissionStatus != "No attempt" {
		t.Errorf("Expected cached data while refreshing, got %q", res.Records[0].SubmissionStatus)
	}
	if !res.Refreshing {
		t.Error("Expected Refreshing to be set for a stale entry")
	}

	f.waitFor(t, EventUpdated)
	f.waitFor(t, EventRefreshFinished)

	res, err = f.manager.Get(ctx, 2024, 3, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Records[0].SubmissionStatus != "Submitted for grading" {
		t.Errorf("Expected refreshed data, got %q", res.Records[0].SubmissionStatus)
	}
	if calls := f.calendarCalls(); calls != 2 {
		t.Errorf("Expected 2 calendar fetches, got %d", calls)
	}
}

func TestManagerFailedBackgroundRefreshKeepsData(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(2, "No attempt")
	ctx := context.Background()

	if _, err := f.manager.Get(ctx, 2024, 3, GetOptions{}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	before := f.blob(t)
	f.drain()

	f.transport.FailCalls(&api.APIError{StatusCode: 503, Message: "unavailable"})
	res, err := f.manager.Get(ctx, 2024, 3, GetOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("Expected cached data despite failing portal, got %v", err)
	}
	if len(res.Records) != 2 {
		t.Errorf("Expected cached records, got %d", len(res.Records))
	}

	failed := f.waitFor(t, EventRefreshFailed)
	if failed.Key != "2024-3" || failed.Err == nil {
		t.Errorf("Unexpected failure event: %+v", failed)
	}
	f.waitFor(t, EventRefreshFinished)

	if after := f.blob(t); !bytes.Equal(before, after) {
		t.Errorf("Expected persisted blob to be unchanged\nbefore: %s\nafter:  %s", before, after)
	}
	res, _ = f.manager.Get(ctx, 2024, 3, GetOptions{})
	if len(res.Records) != 2 {
		t.Errorf("Expected cached records to survive, got %d", len(res.Records))
	}
}

func TestManagerForegroundErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.transport.FailCalls(api.ErrNoSession)

	_, err := f.manager.Get(context.Background(), 2024, 3, GetOptions{})
	if !errors.Is(err, api.ErrNoSession) {
		t.Fatalf("Expected ErrNoSession, got %v", err)
	}
	if _, err := f.store.Get(context.Background(), testStorageKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected nothing persisted after a failed load, got %v", err)
	}
	if status := f.manager.SyncStatus("2024-3"); status != "" {
		t.Errorf("Expected empty status, got %q", status)
	}
}

func TestManagerFullReplace(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(3, "No attempt")
	ctx := context.Background()

	if _, err := f.manager.Get(ctx, 2024, 3, GetOptions{}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	f.drain()

	// One lab remains on the calendar
	f.transport.Seed(2024, 3, api.CalendarEvent{ID: 2, Name: "Lab Sheet 2", URL: "https://cw/mod/assign/view.php?id=2"})
	f.manager.Get(ctx, 2024, 3, GetOptions{ForceRefresh: true})
	f.waitFor(t, EventRefreshFinished)

	res, _ := f.manager.Get(ctx, 2024, 3, GetOptions{})
	if len(res.Records) != 1 || res.Records[0].EventName != "Lab Sheet 2" {
		t.Errorf("Expected entry to be replaced wholesale, got %+v", res.Records)
	}

	// No labs at all still replaces the entry
	f.transport.Seed(2024, 3, api.CalendarEvent{ID: 9, Name: "Holiday"})
	f.manager.Get(ctx, 2024, 3, GetOptions{ForceRefresh: true})
	f.waitFor(t, EventRefreshFinished)

	res, _ = f.manager.Get(ctx, 2024, 3, GetOptions{})
	if len(res.Records) != 0 {
		t.Errorf("Expected empty entry, got %d records", len(res.Records))
	}
	entry, ok := f.persisted(t)["2024-3"]
	if !ok || len(entry.Data) != 0 {
		t.Errorf("Expected an empty persisted entry, got %+v (present=%v)", entry, ok)
	}
}

func TestManagerForceRefreshAfterFinish(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(1, "No attempt")
	ctx := context.Background()

	if _, err := f.manager.Get(ctx, 2024, 3, GetOptions{}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	f.drain()

	for i := 1; i <= 50; i++ {
		res, err := f.manager.Get(ctx, 2024, 3, GetOptions{ForceRefresh: true})
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
		if !res.Refreshing {
			t.Fatalf("Get %d: expected a refresh to be scheduled", i)
		}
		f.waitFor(t, EventRefreshFinished)

		if calls := f.calendarCalls(); calls != i+1 {
			t.Fatalf("Iteration %d: expected %d calendar fetches, got %d", i, i+1, calls)
		}
		if f.manager.IsRefreshing("2024-3") {
			t.Fatalf("Iteration %d: expected no refresh in flight after it finished", i)
		}
		f.drain()
	}
}

func TestManagerStaleReadsJoinOneRefresh(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(1, "No attempt")
	ctx := context.Background()

	if _, err := f.manager.Get(ctx, 2024, 3, GetOptions{}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	f.drain()
	f.clock.Advance(11 * time.Minute)

	release := f.transport.Hold()
	for i := 0; i < 5; i++ {
		res, err := f.manager.Get(ctx, 2024, 3, GetOptions{})
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !res.Refreshing {
			t.Errorf("Get %d: expected Refreshing while the refresh is held", i)
		}
	}
	release()
	f.waitFor(t, EventRefreshFinished)

	if calls := f.calendarCalls(); calls != 2 {
		t.Errorf("Expected stale reads to share one refresh (2 fetches total), got %d", calls)
	}
}

func TestManagerEmptyMonthIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.manager.Get(ctx, 2024, 4, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(res.Records) != 0 {
		t.Errorf("Expected no records, got %d", len(res.Records))
	}

	f.manager.Get(ctx, 2024, 4, GetOptions{})
	if calls := f.calendarCalls(); calls != 1 {
		t.Errorf("Expected an empty month to be served from cache, got %d fetches", calls)
	}
}

func TestManagerHydratesFromStore(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(2, "No attempt")
	ctx := context.Background()

	if _, err := f.manager.Get(ctx, 2024, 3, GetOptions{}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	requests := f.transport.RequestsMade()

	// A new process sharing the same store
	restarted := NewManager(api.NewPortalAPI(f.transport), scrape.New(f.transport), f.store,
		Options{StorageKey: testStorageKey, Now: f.clock.Now})
	defer restarted.Close(ctx)

	res, err := restarted.Get(ctx, 2024, 3, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(res.Records) != 2 || res.Refreshing {
		t.Errorf("Expected fresh persisted data, got %+v", res)
	}
	if f.transport.RequestsMade() != requests {
		t.Error("Expected hydration without network requests")
	}
}

func TestManagerRetentionPruning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	seed := Entries{
		"2024-1": {Data: []api.SubmissionRecord{{EventName: "old"}}, UpdatedAt: now.Add(-31 * 24 * time.Hour).UnixMilli()},
		"2024-2": {Data: []api.SubmissionRecord{{EventName: "untimed"}}},
		"2024-3": {Data: []api.SubmissionRecord{{EventName: "recent"}}, UpdatedAt: now.Add(-time.Hour).UnixMilli()},
	}
	blob, _ := json.Marshal(seed)
	f.store.Seed(testStorageKey, blob)

	// An expired month is not served; it is reloaded from the portal
	res, err := f.manager.Get(ctx, 2024, 1, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(res.Records) != 0 {
		t.Errorf("Expected expired data to be discarded, got %+v", res.Records)
	}
	if calls := f.calendarCalls(); calls != 1 {
		t.Errorf("Expected a foreground fetch, got %d", calls)
	}

	all := f.persisted(t)
	if _, ok := all["2024-2"]; ok {
		t.Error("Expected untimed entry to be pruned")
	}
	if entry, ok := all["2024-1"]; !ok || entry.UpdatedAt != now.UnixMilli() {
		t.Errorf("Expected 2024-1 to be rewritten by the refresh, got %+v", entry)
	}
	if _, ok := all["2024-3"]; !ok {
		t.Error("Expected recent entry to survive")
	}
}

func TestManagerServesUntimedEntryAsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := Entries{"2024-2": {Data: []api.SubmissionRecord{{EventName: "untimed"}}}}
	blob, _ := json.Marshal(seed)
	f.store.Seed(testStorageKey, blob)

	res, err := f.manager.Get(ctx, 2024, 2, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].EventName != "untimed" {
		t.Errorf("Expected the untimed entry to be served, got %+v", res.Records)
	}
	if !res.Refreshing {
		t.Error("Expected an untimed entry to trigger a background refresh")
	}

	f.waitFor(t, EventRefreshFinished)
	entry, ok := f.persisted(t)["2024-2"]
	if !ok || entry.UpdatedAt != f.clock.Now().UnixMilli() {
		t.Errorf("Expected the refresh to persist a timestamped entry, got %+v (present=%v)", entry, ok)
	}
}

func TestEvictStale(t *testing.T) {
	now := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	maxAge := 30 * 24 * time.Hour
	entries := Entries{
		"a": {UpdatedAt: now.Add(-maxAge - time.Second).UnixMilli()},
		"b": {UpdatedAt: now.Add(-maxAge).UnixMilli()},
		"c": {UpdatedAt: 0},
		"d": {UpdatedAt: now.UnixMilli()},
	}

	kept, removed := EvictStale(entries, now, maxAge)

	if len(kept) != 2 {
		t.Errorf("Expected 2 kept entries, got %d", len(kept))
	}
	if _, ok := kept["b"]; !ok {
		t.Error("Expected an entry exactly at the boundary to be kept")
	}
	if fmt.Sprint(removed) != "[a c]" {
		t.Errorf("Expected [a c] removed, got %v", removed)
	}
	if len(entries) != 4 {
		t.Error("Expected input map to be left untouched")
	}
}

func TestManagerPruneAndEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	seed := Entries{
		"2023-12": {Data: []api.SubmissionRecord{{EventName: "x"}}, UpdatedAt: now.Add(-40 * 24 * time.Hour).UnixMilli()},
		"2024-2":  {Data: []api.SubmissionRecord{{EventName: "y", Error: "HTTP 404"}, {EventName: "z"}}, UpdatedAt: now.Add(-2 * time.Hour).UnixMilli()},
	}
	blob, _ := json.Marshal(seed)
	f.store.Seed(testStorageKey, blob)
	f.seedLabs(1, "No attempt")
	if _, err := f.manager.Get(ctx, 2024, 3, GetOptions{}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	infos, err := f.manager.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	// The refresh of 2024-3 already pruned 2023-12 on write.
	if len(infos) != 2 || infos[0].Key != "2024-3" || infos[1].Key != "2024-2" {
		t.Fatalf("Unexpected entries: %+v", infos)
	}
	if !infos[0].InMemory || !infos[0].Persisted || infos[0].Records != 1 {
		t.Errorf("Unexpected 2024-3 info: %+v", infos[0])
	}
	if infos[1].InMemory || infos[1].Errors != 1 || infos[1].Records != 2 {
		t.Errorf("Unexpected 2024-2 info: %+v", infos[1])
	}

	f.clock.Advance(31 * 24 * time.Hour)
	removed, err := f.manager.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if fmt.Sprint(removed) != "[2024-2 2024-3]" {
		t.Errorf("Expected both months pruned, got %v", removed)
	}
	if _, ok := f.manager.Peek(2024, 3); ok {
		t.Error("Expected pruned month to leave memory too")
	}
}

func TestManagerSyncStatus(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(1, "No attempt")
	ctx := context.Background()

	if got := f.manager.SyncStatus("2024-3"); got != "" {
		t.Errorf("Expected empty status without data, got %q", got)
	}

	f.manager.Get(ctx, 2024, 3, GetOptions{})
	f.drain()
	if got := f.manager.SyncStatus("2024-3"); got != "Updated just now" {
		t.Errorf("Expected 'Updated just now', got %q", got)
	}

	f.clock.Advance(3 * time.Minute)
	if got := f.manager.SyncStatus("2024-3"); got != "Updated 3m ago" {
		t.Errorf("Expected 'Updated 3m ago', got %q", got)
	}

	release := f.transport.Hold()
	f.manager.Get(ctx, 2024, 3, GetOptions{ForceRefresh: true})
	if got := f.manager.SyncStatus("2024-3"); got != "Showing cached data while updating..." {
		t.Errorf("Unexpected status while refreshing: %q", got)
	}
	release()
	f.waitFor(t, EventRefreshFinished)

	release = f.transport.Hold()
	done := make(chan struct{})
	go func() {
		f.manager.Get(ctx, 2024, 5, GetOptions{})
		close(done)
	}()
	f.waitFor(t, EventRefreshStarted)
	if got := f.manager.SyncStatus("2024-5"); got != "Updating..." {
		t.Errorf("Expected 'Updating...', got %q", got)
	}
	release()
	<-done
}

func TestManagerCancelledCallerDoesNotCancelRefresh(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(1, "No attempt")
	release := f.transport.Hold()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.manager.Get(ctx, 2024, 3, GetOptions{})
		errc <- err
	}()
	f.waitFor(t, EventRefreshStarted)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	release()
	f.waitFor(t, EventUpdated)
	if _, ok := f.manager.Peek(2024, 3); !ok {
		t.Error("Expected the refresh to complete after the caller gave up")
	}
}

func TestManagerCloseWaitsForRefresh(t *testing.T) {
	f := newFixture(t)
	f.seedLabs(1, "No attempt")
	ctx := context.Background()
	f.manager.Get(ctx, 2024, 3, GetOptions{})

	f.drain()

	release := f.transport.Hold()
	f.manager.Get(ctx, 2024, 3, GetOptions{ForceRefresh: true})
	f.waitFor(t, EventRefreshStarted)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := f.manager.Close(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected Close to time out while a refresh runs, got %v", err)
	}

	release()
	if err := f.manager.Close(ctx); err != nil {
		t.Errorf("Expected Close to succeed once the refresh finished, got %v", err)
	}
	if _, ok := f.manager.Peek(2024, 3); ok {
		t.Error("Expected memory to be discarded on close")
	}
	if _, err := f.store.Get(ctx, testStorageKey); err != nil {
		t.Errorf("Expected persisted data to remain, got %v", err)
	}
}

// scriptedScraper records concurrency and panics on demand.
type scriptedScraper struct {
	inFlight int32
	peak     int32
	panicOn  string
}

func (s *scriptedScraper) Scrape(ctx context.Context, ev api.CalendarEvent) api.SubmissionRecord {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&s.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&s.peak, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if ev.Name == s.panicOn {
		panic("boom")
	}
	return api.SubmissionRecord{EventName: ev.Name, SubmissionStatus: "No attempt"}
}

func TestManagerBatchIsolation(t *testing.T) {
	transport := api.NewInMemoryTransport()
	var events []api.CalendarEvent
	for i := 1; i <= 7; i++ {
		events = append(events, api.CalendarEvent{ID: i, Name: fmt.Sprintf("Lab Sheet %d", i), URL: fmt.Sprintf("u%d", i)})
	}
	transport.Seed(2024, 3, events...)

	scraper := &scriptedScraper{panicOn: "Lab Sheet 5"}
	manager := NewManager(api.NewPortalAPI(transport), scraper, NewMemoryStore(), Options{StorageKey: testStorageKey})
	defer manager.Close(context.Background())

	var mu sync.Mutex
	var progress []string
	manager.Subscribe(func(ev Event) {
		if ev.Kind == EventProgress {
			mu.Lock()
			progress = append(progress, fmt.Sprintf("%d/%d", ev.Done, ev.Total))
			mu.Unlock()
		}
	})

	res, err := manager.Get(context.Background(), 2024, 3, GetOptions{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if len(res.Records) != 7 {
		t.Fatalf("Expected 7 records, got %d", len(res.Records))
	}
	for i, rec := range res.Records {
		want := fmt.Sprintf("Lab Sheet %d", i+1)
		if rec.EventName != want {
			t.Errorf("Record %d: expected %s, got %s", i, want, rec.EventName)
		}
		if i == 4 {
			if !rec.HasError() || rec.URL != "u5" {
				t.Errorf("Expected panicking item to become an error record, got %+v", rec)
			}
		} else if rec.HasError() {
			t.Errorf("Expected record %d to be unaffected, got error %q", i, rec.Error)
		}
	}
	if peak := atomic.LoadInt32(&scraper.peak); peak > 3 {
		t.Errorf("Expected at most 3 concurrent detail fetches, got %d", peak)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(progress) != "[3/7 6/7 7/7]" {
		t.Errorf("Expected progress after each batch, got %v", progress)
	}
}
