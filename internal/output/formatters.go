// Package output renders month summaries for the terminal and as JSON.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	dimColor     = color.New(color.Faint)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	dangerColor  = color.New(color.FgRed)
	neutralColor = color.New(color.FgWhite)
)

// MonthView is everything RenderMonth draws for one month.
type MonthView struct {
	Label   string
	Status  string
	Summary Summary
}

func statusColor(class string) *color.Color {
	switch class {
	case StatusSubmitted:
		return okColor
	case StatusNoAttempt:
		return dangerColor
	case StatusDraft:
		return warnColor
	default:
		return neutralColor
	}
}

func timeColor(class string) *color.Color {
	switch class {
	case TimeEarly:
		return okColor
	case TimeOverdue:
		return dangerColor
	default:
		return neutralColor
	}
}

// RenderMonth prints a month's stats and submissions as a colored list.
func RenderMonth(w io.Writer, view MonthView) {
	headerColor.Fprintln(w, view.Label)
	if view.Status != "" {
		dimColor.Fprintln(w, view.Status)
	}

	sum := view.Summary
	if len(sum.Rows) == 0 && len(sum.Courses) == 0 {
		fmt.Fprintf(w, "No lab submissions found for %s\n", view.Label)
		return
	}

	fmt.Fprintf(w, "Total %d | %s | %s | %s\n",
		sum.Stats.Total,
		okColor.Sprintf("Submitted %d", sum.Stats.Submitted),
		warnColor.Sprintf("Pending %d", sum.Stats.Pending),
		dangerColor.Sprintf("Overdue %d", sum.Stats.Overdue),
	)
	if len(sum.Courses) > 1 {
		pills := make([]string, 0, len(sum.Courses)+1)
		for _, c := range append([]string{AllCourses}, sum.Courses...) {
			if c == sum.Course {
				c = "[" + c + "]"
			}
			pills = append(pills, c)
		}
		dimColor.Fprintf(w, "Courses: %s\n", strings.Join(pills, " "))
	}
	fmt.Fprintln(w)

	for _, r := range sum.Rows {
		status := r.SubmissionStatus
		if status == "" {
			status = "Unknown"
		}
		fmt.Fprintf(w, "%s %s\n", statusColor(StatusClass(r.SubmissionStatus)).Sprintf("[%s]", status), r.DisplayName())

		var details []string
		if r.DueDate != "" {
			details = append(details, "Due: "+r.DueDate)
		}
		if r.GradingStatus != "" {
			grade := "Grade: " + r.GradingStatus
			if GradeClass(r.GradingStatus) == GradeGraded {
				grade = okColor.Sprint(grade)
			}
			details = append(details, grade)
		}
		if r.TimeRemaining != "" {
			details = append(details, timeColor(TimeClass(r.TimeRemaining)).Sprint("Time: "+r.TimeRemaining))
		}
		if len(details) > 0 {
			fmt.Fprintf(w, "    %s\n", strings.Join(details, "  "))
		}
		if r.LastModified != "" {
			fmt.Fprintf(w, "    Modified: %s\n", r.LastModified)
		}
		if r.FileSubmissions != "" {
			fmt.Fprintf(w, "    Files: %s\n", r.FileSubmissions)
		}
		if r.ModuleName != "" {
			dimColor.Fprintf(w, "    %s\n", r.ModuleName)
		}
		if r.URL != "" {
			dimColor.Fprintf(w, "    %s\n", r.URL)
		}
		if r.HasError() {
			dangerColor.Fprintf(w, "    ! %s\n", r.Error)
		}
	}
}

// PrintJSON writes item as indented JSON.
func PrintJSON(w io.Writer, item interface{}) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
