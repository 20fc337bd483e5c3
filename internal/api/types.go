// Package api provides the HTTP client and types for the CourseWeb (Moodle)
// portal: the calendar AJAX service and assignment page fetches.
package api

import (
	"context"

	"github.com/goccy/go-json"
)

// EventAction is the call-to-action block Moodle attaches to calendar events.
type EventAction struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// EventCourse identifies the course an event belongs to.
type EventCourse struct {
	ID        int    `json:"id,omitempty"`
	FullName  string `json:"fullname,omitempty"`
	ShortName string `json:"shortname,omitempty"`
}

// CalendarEvent is one event from core_calendar_get_calendar_monthly_view.
// Only the fields the scraper reads are decoded.
type CalendarEvent struct {
	ID            int          `json:"id"`
	Name          string       `json:"name"`
	URL           string       `json:"url,omitempty"`
	ViewURL       string       `json:"viewurl,omitempty"`
	Action        *EventAction `json:"action,omitempty"`
	FormattedTime string       `json:"formattedtime,omitempty"`
	TimeStart     int64        `json:"timestart,omitempty"`
	ModuleName    string       `json:"modulename,omitempty"`
	Course        *EventCourse `json:"course,omitempty"`
}

// CalendarDay is a single day cell of the month view.
type CalendarDay struct {
	MDay   int             `json:"mday"`
	Events []CalendarEvent `json:"events"`
}

// CalendarWeek is one row of the month view.
type CalendarWeek struct {
	Days []CalendarDay `json:"days"`
}

// CalendarMonth is the data payload of the monthly view.
type CalendarMonth struct {
	Weeks []CalendarWeek `json:"weeks"`
}

// ajaxRequest is one element of the service.php request array.
type ajaxRequest struct {
	Index      int         `json:"index"`
	MethodName string      `json:"methodname"`
	Args       interface{} `json:"args"`
}

// ajaxResponse is one element of the service.php response array.
type ajaxResponse struct {
	Error     bool            `json:"error"`
	Data      json.RawMessage `json:"data"`
	Exception *struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorcode"`
	} `json:"exception,omitempty"`
}

// SubmissionRecord is the scraped state of one lab submission. Field names
// match the persisted cache format.
type SubmissionRecord struct {
	EventName        string `json:"eventName"`
	URL              string `json:"url,omitempty"`
	ModuleName       string `json:"moduleName,omitempty"`
	CourseCode       string `json:"courseCode,omitempty"`
	AssignmentName   string `json:"assignmentName,omitempty"`
	DueDate          string `json:"dueDate,omitempty"`
	OpenedDate       string `json:"openedDate,omitempty"`
	TimeStart        int64  `json:"timestart,omitempty"`
	SubmissionStatus string `json:"submissionStatus,omitempty"`
	GradingStatus    string `json:"gradingStatus,omitempty"`
	TimeRemaining    string `json:"timeRemaining,omitempty"`
	LastModified     string `json:"lastModified,omitempty"`
	FileSubmissions  string `json:"fileSubmissions,omitempty"`
	Error            string `json:"error,omitempty"`
}

// HasError reports whether the record is an error placeholder.
func (r SubmissionRecord) HasError() bool {
	return r.Error != ""
}

// DisplayName returns the assignment name, falling back to the event name.
func (r SubmissionRecord) DisplayName() string {
	if r.AssignmentName != "" {
		return r.AssignmentName
	}
	return r.EventName
}

// Course returns the course code, falling back to the module name for
// records written before the code was extracted.
func (r SubmissionRecord) Course() string {
	if r.CourseCode != "" {
		return r.CourseCode
	}
	return r.ModuleName
}

// Transport is the interface for talking to the portal.
type Transport interface {
	// Call invokes an AJAX web service method and returns its data payload.
	Call(ctx context.Context, method string, args interface{}) (json.RawMessage, error)
	// FetchPage GETs an HTML page with the session cookie.
	FetchPage(ctx context.Context, pageURL string) ([]byte, error)
}
