// Package scrape selects lab submission events from the calendar and
// extracts their submission state from the assignment page.
package scrape

import (
	"strings"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/core"
)

// IsLabSubmission reports whether an event name contains any of the lab
// keywords, case-insensitively.
func IsLabSubmission(event api.CalendarEvent) bool {
	name := strings.ToLower(event.Name)
	for _, kw := range core.FilterKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// FilterLabSubmissions keeps lab submission events in their original order.
func FilterLabSubmissions(events []api.CalendarEvent) []api.CalendarEvent {
	var out []api.CalendarEvent
	for _, ev := range events {
		if IsLabSubmission(ev) {
			out = append(out, ev)
		}
	}
	return out
}
