package export

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gomutex/godocx"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/core"
)

const (
	institutionName = "Sri Lanka Institute of Information Technology"
	institutionCity = "Malabe, Sri Lanka"
	facultyName     = "Faculty of Computing"

	unknownLabNumber = "___"
	unknownDueDate   = "____________"
)

var (
	// Tried in order; the first match wins.
	labNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)lab\s*sheet\s*(\d+)`),
		regexp.MustCompile(`(?i)labsheet\s*(\d+)`),
		regexp.MustCompile(`(?i)lab\s*(\d+)`),
		regexp.MustCompile(`(?i)practical\s*(\d+)`),
	}
	moduleCodeRegex     = regexp.MustCompile(`^([A-Z]{2,4}\d{3,4})`)
	moduleFullNameRegex = regexp.MustCompile(`^[A-Z]{2,4}\d{3,4}\s*[-–]\s*(.+?)(?:\s*\[.*\])?$`)
	studentIDRegex      = regexp.MustCompile(`IT\d{8}`)
)

// Student identifies who the template is for.
type Student struct {
	Name string
	ID   string
}

// NewStudent normalizes configured details. An ID embedded in the name is
// moved to ID; blanks become placeholders.
func NewStudent(name, id string) Student {
	name = strings.TrimSpace(name)
	id = strings.TrimSpace(id)
	if id == "" {
		id = studentIDRegex.FindString(name)
	}
	name = strings.TrimSpace(studentIDRegex.ReplaceAllString(name, ""))

	if id == "" {
		id = core.PlaceholderStudentID
	}
	if name == "" {
		name = core.PlaceholderStudentName
	}
	return Student{Name: name, ID: id}
}

// Template is the cover page content for one lab submission.
type Template struct {
	ModuleCode     string
	ModuleName     string
	LabNumber      string
	AssignmentName string
	DueDate        string
	Student        Student
	Date           time.Time
}

// NewTemplate derives the cover page fields from a record.
func NewTemplate(rec api.SubmissionRecord, student Student, date time.Time) *Template {
	name := rec.AssignmentName
	if name == "" {
		name = rec.EventName
	}
	assignment := name
	if assignment == "" {
		assignment = "Lab Sheet"
	}
	due := rec.DueDate
	if due == "" {
		due = unknownDueDate
	}
	return &Template{
		ModuleCode:     ExtractModuleCode(rec.ModuleName),
		ModuleName:     ExtractModuleFullName(rec.ModuleName),
		LabNumber:      ExtractLabNumber(name),
		AssignmentName: assignment,
		DueDate:        due,
		Student:        student,
		Date:           date,
	}
}

// ExtractLabNumber finds the lab number in an assignment name, "___" if none.
func ExtractLabNumber(name string) string {
	for _, pat := range labNumberPatterns {
		if m := pat.FindStringSubmatch(name); m != nil {
			return m[1]
		}
	}
	return unknownLabNumber
}

// ExtractModuleCode returns the leading course code of a module name.
func ExtractModuleCode(moduleName string) string {
	if m := moduleCodeRegex.FindStringSubmatch(moduleName); m != nil {
		return m[1]
	}
	return ""
}

// ExtractModuleFullName strips the code and intake suffix:
// "SE3032 - Graphics and Visualization [2026/JAN]" is "Graphics and Visualization".
func ExtractModuleFullName(moduleName string) string {
	if m := moduleFullNameRegex.FindStringSubmatch(moduleName); m != nil {
		return strings.TrimSpace(m[1])
	}
	return moduleName
}

// FileName is the suggested download name, e.g. SE3032_Lab4_IT21234567.docx.
func (t *Template) FileName() string {
	return fmt.Sprintf("%s_Lab%s_%s.docx", t.ModuleCode, t.LabNumber, t.Student.ID)
}

// DetailRow is one label/value line of the cover page table.
type DetailRow struct {
	Label string
	Value string
}

// Details returns the cover page table rows.
func (t *Template) Details() []DetailRow {
	return []DetailRow{
		{"Student ID", t.Student.ID},
		{"Student Name", t.Student.Name},
		{"Module", t.ModuleCode + " - " + t.ModuleName},
		{"Lab Number", "Lab " + t.LabNumber},
		{"Due Date", t.DueDate},
	}
}

// DateLine is the footer line, e.g. "Date: March 7, 2024".
func (t *Template) DateLine() string {
	return "Date: " + t.Date.Format("January 2, 2006")
}

// Render writes the cover page as a DOCX document.
func (t *Template) Render(w io.Writer) error {
	doc, err := godocx.NewDocument()
	if err != nil {
		return fmt.Errorf("new document: %w", err)
	}

	doc.AddParagraph("").AddText(institutionName).Bold(true).Size(32)
	doc.AddParagraph(institutionCity)
	doc.AddParagraph("").AddText(facultyName).Bold(true)

	code := t.ModuleCode
	if code == "" {
		code = "Module Code"
	}
	if _, err := doc.AddHeading(code, 1); err != nil {
		return fmt.Errorf("module heading: %w", err)
	}
	name := t.ModuleName
	if name == "" {
		name = "Module Name"
	}
	doc.AddParagraph(name)

	if _, err := doc.AddHeading("Lab "+t.LabNumber, 2); err != nil {
		return fmt.Errorf("lab heading: %w", err)
	}
	doc.AddParagraph("").AddText(t.AssignmentName).Bold(true)

	table := doc.AddTable()
	for _, d := range t.Details() {
		row := table.AddRow()
		row.AddCell().AddParagraph("").AddText(d.Label).Bold(true)
		row.AddCell().AddParagraph(d.Value)
	}

	doc.AddParagraph("").AddText(t.DateLine()).Color("595959")

	if err := doc.Write(w); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
