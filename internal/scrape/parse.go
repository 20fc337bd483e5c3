package scrape

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/colthorp/labsheets-cli-go/internal/api"
)

var (
	moduleNameRegex = regexp.MustCompile(`^[A-Z]{2,4}\d{3,4}`)
	courseCodeRegex = regexp.MustCompile(`(?i)^([A-Z]{2,4}\s?\d{3,4})`)
	titleNameRegex  = regexp.MustCompile(`:\s*(.+?)\s*\|`)
	bodyDueRegex    = regexp.MustCompile(`Due:\s*(.+?)(?:\n|$)`)
)

const (
	breadcrumbLinks = "nav#breadcrumb-nav ol li a, .breadcrumb li a"
	statusTable     = ".submissionstatustable, .generaltable"
	dateCandidates  = "p, div, span, td, th"
)

// headingSelectors are tried in order for the assignment name.
var headingSelectors = []string{
	".page-header-headings h1",
	"#page-header h1",
	"#region-main h2:not(.sr-only)",
	".activity-header h2",
}

// ParseHTML parses an assignment page and extracts its submission record.
func ParseHTML(page []byte, event api.CalendarEvent, pageURL string) api.SubmissionRecord {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		// html.Parse only fails on reader errors; degrade to event data.
		doc = &html.Node{Type: html.DocumentNode}
	}
	return Parse(doc, event, pageURL)
}

// Parse extracts a submission record from a parsed assignment page. It is
// best effort: anything it cannot find is left at its default and the
// record carries no error.
func Parse(doc *html.Node, event api.CalendarEvent, pageURL string) api.SubmissionRecord {
	rec := api.SubmissionRecord{
		EventName: event.Name,
		URL:       pageURL,
		DueDate:   event.FormattedTime,
		TimeStart: event.TimeStart,
	}
	if rec.EventName == "" {
		rec.EventName = "Unknown"
	}

	page := goquery.NewDocumentFromNode(doc)

	// Module name is the breadcrumb carrying a module code like "SE3032 - ...".
	var crumbs []string
	page.Find(breadcrumbLinks).Each(func(_ int, a *goquery.Selection) {
		crumbs = append(crumbs, strings.TrimSpace(a.Text()))
	})
	for _, c := range crumbs {
		if moduleNameRegex.MatchString(c) {
			rec.ModuleName = c
			break
		}
	}
	if rec.ModuleName == "" && len(crumbs) >= 3 {
		rec.ModuleName = crumbs[len(crumbs)-2]
	}

	if m := courseCodeRegex.FindStringSubmatch(rec.ModuleName); m != nil {
		rec.CourseCode = strings.TrimSpace(m[1])
	} else {
		rec.CourseCode = strings.TrimSpace(rec.ModuleName)
	}

	rec.AssignmentName = assignmentName(page, event)

	if opened, ok := findPrefixedText(page, "Opened:"); ok {
		rec.OpenedDate = opened
	}
	if due, ok := findPrefixedText(page, "Due:"); ok {
		rec.DueDate = due
	}

	page.Find(statusTable).First().Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToLower(strings.TrimSpace(cells.Eq(0).Text()))
		value := strings.TrimSpace(cells.Eq(1).Text())

		switch {
		case strings.Contains(label, "submission status"):
			rec.SubmissionStatus = value
		case strings.Contains(label, "grading status"):
			rec.GradingStatus = value
		case strings.Contains(label, "time remaining"):
			rec.TimeRemaining = value
		case strings.Contains(label, "last modified"):
			rec.LastModified = value
		case strings.Contains(label, "file submission"):
			rec.FileSubmissions = value
		case strings.Contains(label, "due date"):
			rec.DueDate = value
		}
	})

	if rec.DueDate == "" {
		if body := page.Find("body").First(); body.Length() > 0 {
			if m := bodyDueRegex.FindStringSubmatch(innerText(body.Get(0))); m != nil {
				rec.DueDate = strings.TrimSpace(m[1])
			}
		}
	}

	return rec
}

func assignmentName(page *goquery.Document, event api.CalendarEvent) string {
	for _, sel := range headingSelectors {
		if h := page.Find(sel).First(); h.Length() > 0 {
			return strings.TrimSpace(h.Text())
		}
	}
	// Page titles look like "SE3032: Lab Sheet 04 | CourseWeb".
	if title := page.Find("title").First(); title.Length() > 0 {
		if m := titleNameRegex.FindStringSubmatch(title.Text()); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return event.Name
}

// findPrefixedText returns the remainder of the first p/div/span/td/th whose
// trimmed text starts with prefix.
func findPrefixedText(page *goquery.Document, prefix string) (string, bool) {
	var (
		found string
		ok    bool
	)
	page.Find(dateCandidates).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		text := strings.TrimSpace(el.Text())
		if strings.HasPrefix(text, prefix) {
			found, ok = strings.TrimSpace(strings.Replace(text, prefix, "", 1)), true
		}
		return !ok
	})
	return found, ok
}
