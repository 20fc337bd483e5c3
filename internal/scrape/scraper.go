package scrape

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
)

// ErrNoURL is recorded when a calendar event links nowhere.
const ErrNoURL = "No URL available"

// PageFetcher fetches an HTML page with the portal session.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]byte, error)
}

// Scraper turns calendar events into submission records.
type Scraper struct {
	fetcher PageFetcher
	log     zerolog.Logger
}

// New creates a scraper that fetches pages through fetcher.
func New(fetcher PageFetcher) *Scraper {
	return &Scraper{
		fetcher: fetcher,
		log:     logging.WithComponent("scrape"),
	}
}

// EventURL resolves the assignment link of an event: url, then action.url,
// then viewurl.
func EventURL(event api.CalendarEvent) string {
	if event.URL != "" {
		return event.URL
	}
	if event.Action != nil && event.Action.URL != "" {
		return event.Action.URL
	}
	return event.ViewURL
}

// Scrape fetches and parses the assignment page of event. It never fails:
// problems are reported in the record's Error field.
func (s *Scraper) Scrape(ctx context.Context, event api.CalendarEvent) api.SubmissionRecord {
	pageURL := EventURL(event)
	if pageURL == "" {
		return api.SubmissionRecord{EventName: event.Name, TimeStart: event.TimeStart, Error: ErrNoURL}
	}

	page, err := s.fetcher.FetchPage(ctx, pageURL)
	if err != nil {
		s.log.Debug().Err(err).Str("event", event.Name).Str("url", pageURL).Msg("detail fetch failed")
		return api.SubmissionRecord{
			EventName: event.Name,
			URL:       pageURL,
			TimeStart: event.TimeStart,
			Error:     describe(err),
		}
	}

	return ParseHTML(page, event, pageURL)
}

// describe renders a fetch error the way records store it.
func describe(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d", apiErr.StatusCode)
	}
	return err.Error()
}
