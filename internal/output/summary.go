package output

import (
	"slices"
	"sort"
	"strings"

	"github.com/colthorp/labsheets-cli-go/internal/api"
)

// AllCourses is the course filter that keeps every record.
const AllCourses = "All"

// Status classes of a submission.
const (
	StatusSubmitted = "submitted"
	StatusNoAttempt = "no-attempt"
	StatusDraft     = "draft"
	StatusUnknown   = "unknown"
)

// Grade classes.
const (
	GradeGraded    = "graded"
	GradeNotGraded = "not-graded"
)

// Time classes; the empty string is neutral.
const (
	TimeEarly   = "early"
	TimeOverdue = "overdue"
)

// StatusClass buckets a submission status string.
func StatusClass(status string) string {
	if status == "" {
		return StatusUnknown
	}
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "submitted"):
		return StatusSubmitted
	case strings.Contains(s, "no attempt"), strings.Contains(s, "no submission"):
		return StatusNoAttempt
	case strings.Contains(s, "draft"):
		return StatusDraft
	default:
		return StatusUnknown
	}
}

// GradeClass buckets a grading status string.
func GradeClass(status string) string {
	s := strings.ToLower(status)
	if strings.Contains(s, "graded") && !strings.Contains(s, "not graded") {
		return GradeGraded
	}
	return GradeNotGraded
}

// TimeClass buckets a time remaining string.
func TimeClass(remaining string) string {
	s := strings.ToLower(remaining)
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "early"):
		return TimeEarly
	case strings.Contains(s, "overdue"), strings.Contains(s, "late"):
		return TimeOverdue
	default:
		return ""
	}
}

// NeedsTemplate reports whether a record should offer a template download.
func NeedsTemplate(r api.SubmissionRecord) bool {
	if StatusClass(r.SubmissionStatus) != StatusSubmitted {
		return true
	}
	return TimeClass(r.TimeRemaining) == TimeOverdue
}

// Stats are the counters shown above a month.
type Stats struct {
	Total     int `json:"total"`
	Submitted int `json:"submitted"`
	Pending   int `json:"pending"`
	Overdue   int `json:"overdue"`
}

// Summary is a month's records prepared for display.
type Summary struct {
	// Course is the filter actually applied.
	Course  string                 `json:"course"`
	Courses []string               `json:"courses"`
	Titles  map[string]string      `json:"titles"`
	Stats   Stats                  `json:"stats"`
	Rows    []api.SubmissionRecord `json:"rows"`
}

// Summarize filters records by course and sorts them: not yet submitted
// first, then by start time. A course absent from records resets to All.
func Summarize(records []api.SubmissionRecord, course string) Summary {
	titles := make(map[string]string)
	courses := []string{}
	for _, r := range records {
		code := strings.TrimSpace(r.Course())
		if code == "" {
			continue
		}
		if _, seen := titles[code]; !seen {
			courses = append(courses, code)
			titles[code] = strings.TrimSpace(r.ModuleName)
		}
	}
	sort.Strings(courses)

	if !slices.Contains(courses, course) {
		course = AllCourses
	}

	rows := []api.SubmissionRecord{}
	for _, r := range records {
		if course == AllCourses || strings.TrimSpace(r.Course()) == course {
			rows = append(rows, r)
		}
	}

	var stats Stats
	stats.Total = len(rows)
	for _, r := range rows {
		s := strings.ToLower(r.SubmissionStatus)
		if strings.Contains(s, "submitted") {
			stats.Submitted++
		}
		if s == "" || strings.Contains(s, "no attempt") || strings.Contains(s, "no submission") {
			stats.Pending++
		}
		if strings.Contains(strings.ToLower(r.TimeRemaining), "overdue") {
			stats.Overdue++
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		si := StatusClass(rows[i].SubmissionStatus) == StatusSubmitted
		sj := StatusClass(rows[j].SubmissionStatus) == StatusSubmitted
		if si != sj {
			return !si
		}
		return rows[i].TimeStart < rows[j].TimeStart
	})

	return Summary{Course: course, Courses: courses, Titles: titles, Stats: stats, Rows: rows}
}

// NextCourse cycles All, then each course in order, then All again.
func NextCourse(courses []string, current string) string {
	if current == AllCourses || current == "" {
		if len(courses) == 0 {
			return AllCourses
		}
		return courses[0]
	}
	for i, c := range courses {
		if c == current && i+1 < len(courses) {
			return courses[i+1]
		}
	}
	return AllCourses
}
