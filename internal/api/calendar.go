package api

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/colthorp/labsheets-cli-go/internal/core"
)

// PortalAPI provides a typed convenience layer over the portal transport.
type PortalAPI struct {
	transport Transport
}

// NewPortalAPI creates a new high-level API client.
func NewPortalAPI(transport Transport) *PortalAPI {
	return &PortalAPI{transport: transport}
}

// Transport returns the underlying transport, used by the detail scraper to
// fetch assignment pages with the same session.
func (p *PortalAPI) Transport() Transport {
	return p.transport
}

// calendarArgs mirrors what the portal's own month view sends. Year and
// month go over the wire as strings.
type calendarArgs struct {
	Year     string `json:"year"`
	Month    string `json:"month"`
	CourseID int    `json:"courseid"`
	Day      int    `json:"day"`
	View     string `json:"view"`
}

// FetchMonth returns every calendar event of the given month, flattened
// across weeks and days.
func (p *PortalAPI) FetchMonth(ctx context.Context, year, month int) ([]CalendarEvent, error) {
	args := calendarArgs{
		Year:     strconv.Itoa(year),
		Month:    strconv.Itoa(month),
		CourseID: 1,
		Day:      1,
		View:     "monthblock",
	}

	data, err := p.transport.Call(ctx, core.CalendarMonthlyRPC, args)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", core.MonthKey(year, month), err)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var view CalendarMonth
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("calendar %s: failed to decode month view: %w", core.MonthKey(year, month), err)
	}
	return ExtractEvents(&view), nil
}

// ExtractEvents flattens weeks[].days[].events[] in calendar order.
func ExtractEvents(view *CalendarMonth) []CalendarEvent {
	if view == nil {
		return nil
	}
	var events []CalendarEvent
	for _, week := range view.Weeks {
		for _, day := range week.Days {
			events = append(events, day.Events...)
		}
	}
	return events
}
