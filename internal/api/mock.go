package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/colthorp/labsheets-cli-go/internal/core"
)

// InMemoryTransport is a lightweight simulation of the portal.
// Only implements the monthly calendar view and page fetches, which is
// sufficient for unit testing cache and scraper logic.
type InMemoryTransport struct {
	mu         sync.Mutex
	months     map[string][]CalendarEvent
	pages      map[string][]byte
	callErr    error
	gate       chan struct{}
	RequestLog []RequestLogEntry
}

// RequestLogEntry records a request made to the transport.
type RequestLogEntry struct {
	// Kind is "call" or "page".
	Kind   string
	Method string
	Target string
}

// NewInMemoryTransport creates a new in-memory transport for testing.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{
		months:     make(map[string][]CalendarEvent),
		pages:      make(map[string][]byte),
		RequestLog: make([]RequestLogEntry, 0),
	}
}

// Seed sets the events returned for a month, replacing earlier seeds.
func (t *InMemoryTransport) Seed(year, month int, events ...CalendarEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.months[core.MonthKey(year, month)] = append([]CalendarEvent(nil), events...)
}

// SeedPage sets the HTML served for a page URL.
func (t *InMemoryTransport) SeedPage(pageURL, body string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages[pageURL] = []byte(body)
}

// FailCalls makes every subsequent Call return err. Pass nil to recover.
func (t *InMemoryTransport) FailCalls(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callErr = err
}

// Hold blocks every subsequent Call until the returned release func runs.
func (t *InMemoryTransport) Hold() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.gate = gate
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.gate == gate {
				t.gate = nil
			}
			t.mu.Unlock()
			close(gate)
		})
	}
}

// RequestsMade returns the number of requests made to this transport.
func (t *InMemoryTransport) RequestsMade() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.RequestLog)
}

// CallsMade returns the number of AJAX calls made for method.
func (t *InMemoryTransport) CallsMade(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.RequestLog {
		if entry.Kind == "call" && entry.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all seeded data, failures and recorded requests.
func (t *InMemoryTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.months = make(map[string][]CalendarEvent)
	t.pages = make(map[string][]byte)
	t.callErr = nil
	t.gate = nil
	t.RequestLog = make([]RequestLogEntry, 0)
}

// Call simulates the AJAX service (monthly calendar view only).
func (t *InMemoryTransport) Call(ctx context.Context, method string, args interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	t.RequestLog = append(t.RequestLog, RequestLogEntry{Kind: "call", Method: method})
	gate := t.gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	callErr := t.callErr
	t.mu.Unlock()
	if callErr != nil {
		return nil, callErr
	}

	// Round-trip the args the way they would cross the wire.
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var decoded calendarArgs
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	t.mu.Lock()
	events := append([]CalendarEvent(nil), t.months[decoded.Year+"-"+trimZero(decoded.Month)]...)
	t.mu.Unlock()

	view := CalendarMonth{Weeks: []CalendarWeek{{Days: []CalendarDay{{MDay: 1, Events: events}}}}}
	return json.Marshal(view)
}

// FetchPage serves a seeded page or a 404.
func (t *InMemoryTransport) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RequestLog = append(t.RequestLog, RequestLogEntry{Kind: "page", Target: pageURL})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, ok := t.pages[pageURL]
	if !ok {
		return nil, &APIError{StatusCode: http.StatusNotFound, Message: http.StatusText(http.StatusNotFound)}
	}
	return append([]byte(nil), page...), nil
}

func trimZero(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
