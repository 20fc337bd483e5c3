// Package panel is the interactive month browser.
package panel

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/cache"
	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/export"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
	"github.com/colthorp/labsheets-cli-go/internal/output"
)

// MonthSource is the part of cache.Manager the panel uses.
type MonthSource interface {
	Get(ctx context.Context, year, month int, opts cache.GetOptions) (*cache.Result, error)
	Peek(year, month int) (*cache.Result, bool)
	SyncStatus(key string) string
	Subscribe(fn func(cache.Event)) (unsubscribe func())
}

// Exporter saves templates for pending records.
type Exporter interface {
	ExportPending(ctx context.Context, records []api.SubmissionRecord) ([]export.Result, error)
}

type loadedMsg struct {
	key    string
	result *cache.Result
	err    error
}

type cacheEventMsg struct {
	event cache.Event
}

type exportedMsg struct {
	results []export.Result
	err     error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dangerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	activeStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	cardStyle   = lipgloss.NewStyle().PaddingLeft(2)
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
)

// Model is the bubbletea model of the panel.
type Model struct {
	ctx context.Context
	src MonthSource
	exp Exporter

	year, month int
	course      string

	records []api.SubmissionRecord
	loaded  bool
	loading bool
	done    int
	total   int
	notice  string
	err     error
}

// New creates a panel showing the month containing now.
func New(ctx context.Context, src MonthSource, exp Exporter, now time.Time) *Model {
	return &Model{
		ctx:    ctx,
		src:    src,
		exp:    exp,
		year:   now.Year(),
		month:  int(now.Month()),
		course: output.AllCourses,
	}
}

// Key returns the cache key of the month on screen.
func (m *Model) Key() string {
	return core.MonthKey(m.year, m.month)
}

func (m *Model) Init() tea.Cmd {
	return m.load(false)
}

func (m *Model) load(force bool) tea.Cmd {
	year, month, key := m.year, m.month, m.Key()
	m.err = nil
	return func() tea.Msg {
		res, err := m.src.Get(m.ctx, year, month, cache.GetOptions{ForceRefresh: force})
		return loadedMsg{key: key, result: res, err: err}
	}
}

func (m *Model) shift(delta int) tea.Cmd {
	m.year, m.month = core.ShiftMonth(m.year, m.month, delta)
	m.records = nil
	m.loaded = false
	m.loading = false
	m.notice = ""
	if res, ok := m.src.Peek(m.year, m.month); ok {
		m.records = res.Records
		m.loaded = true
	}
	return m.load(false)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case loadedMsg:
		if msg.key != m.Key() {
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.records = msg.result.Records
		m.loaded = true

	case cacheEventMsg:
		return m, m.handleEvent(msg.event)

	case exportedMsg:
		switch {
		case msg.err != nil:
			m.notice = fmt.Sprintf("Saved %d template(s); some failed: %v", len(msg.results), msg.err)
		case len(msg.results) == 0:
			m.notice = "No pending labs to export"
		default:
			m.notice = fmt.Sprintf("Saved %d template(s)", len(msg.results))
		}
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		return tea.Quit
	case "left", "h":
		return m.shift(-1)
	case "right", "l":
		return m.shift(1)
	case "r":
		return m.load(true)
	case "f":
		sum := output.Summarize(m.records, m.course)
		m.course = output.NextCourse(sum.Courses, sum.Course)
	case "d":
		if m.exp == nil {
			return nil
		}
		rows := output.Summarize(m.records, m.course).Rows
		m.notice = "Exporting templates..."
		return func() tea.Msg {
			results, err := m.exp.ExportPending(m.ctx, rows)
			return exportedMsg{results: results, err: err}
		}
	}
	return nil
}

// handleEvent applies a cache event. Events for other months are ignored.
func (m *Model) handleEvent(ev cache.Event) tea.Cmd {
	if ev.Key != m.Key() {
		return nil
	}
	switch ev.Kind {
	case cache.EventLoading:
		m.loading = true
		m.done, m.total = 0, 0
	case cache.EventProgress:
		m.done, m.total = ev.Done, ev.Total
	case cache.EventUpdated:
		m.loading = false
		if res, ok := m.src.Peek(m.year, m.month); ok {
			m.records = res.Records
			m.loaded = true
		}
	case cache.EventRefreshFailed:
		m.loading = false
		m.notice = "Refresh failed: " + ev.Err.Error()
	}
	return nil
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("< " + core.MonthLabel(m.year, m.month) + " >"))
	b.WriteString("\n")
	if status := m.src.SyncStatus(m.Key()); status != "" {
		b.WriteString(dimStyle.Render(status) + "\n")
	}
	if m.notice != "" {
		b.WriteString(warnStyle.Render(m.notice) + "\n")
	}
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(dangerStyle.Render("! " + m.err.Error()))
		b.WriteString("\n")
	case m.loading && !m.loaded:
		if m.total > 0 {
			fmt.Fprintf(&b, "Loading details... %d/%d\n", m.done, m.total)
		} else {
			b.WriteString("Loading calendar...\n")
		}
	case len(m.records) == 0:
		b.WriteString(dimStyle.Render("No lab submissions found for " + core.MonthLabel(m.year, m.month)))
		b.WriteString("\n")
	default:
		m.renderSummary(&b)
	}

	b.WriteString(hintStyle.Render("←/→ month  r refresh  f course  d export  q quit"))
	return b.String()
}

func (m *Model) renderSummary(b *strings.Builder) {
	sum := output.Summarize(m.records, m.course)

	fmt.Fprintf(b, "Total %d  %s  %s  %s\n",
		sum.Stats.Total,
		okStyle.Render(fmt.Sprintf("Submitted %d", sum.Stats.Submitted)),
		warnStyle.Render(fmt.Sprintf("Pending %d", sum.Stats.Pending)),
		dangerStyle.Render(fmt.Sprintf("Overdue %d", sum.Stats.Overdue)),
	)
	if len(sum.Courses) > 1 {
		pills := []string{}
		for _, c := range append([]string{output.AllCourses}, sum.Courses...) {
			if c == sum.Course {
				pills = append(pills, activeStyle.Render(" "+c+" "))
			} else {
				pills = append(pills, " "+c+" ")
			}
		}
		b.WriteString(strings.Join(pills, " ") + "\n")
	}
	b.WriteString("\n")

	for _, r := range sum.Rows {
		status := r.SubmissionStatus
		if status == "" {
			status = "Unknown"
		}
		style := dimStyle
		switch output.StatusClass(r.SubmissionStatus) {
		case output.StatusSubmitted:
			style = okStyle
		case output.StatusNoAttempt:
			style = dangerStyle
		case output.StatusDraft:
			style = warnStyle
		}
		b.WriteString(style.Render("["+status+"]") + " " + r.DisplayName() + "\n")

		var lines []string
		if r.DueDate != "" {
			lines = append(lines, "Due: "+r.DueDate)
		}
		if r.TimeRemaining != "" {
			line := "Time: " + r.TimeRemaining
			if output.TimeClass(r.TimeRemaining) == output.TimeOverdue {
				line = dangerStyle.Render(line)
			}
			lines = append(lines, line)
		}
		if r.GradingStatus != "" {
			lines = append(lines, "Grade: "+r.GradingStatus)
		}
		if r.HasError() {
			lines = append(lines, dangerStyle.Render("! "+r.Error))
		}
		if len(lines) > 0 {
			b.WriteString(cardStyle.Render(strings.Join(lines, "\n")) + "\n")
		}
	}
}

// Run starts the panel and blocks until the user quits.
func Run(ctx context.Context, src MonthSource, exp Exporter, opts ...tea.ProgramOption) error {
	model := New(ctx, src, exp, time.Now())
	program := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)...)

	unsubscribe := src.Subscribe(func(ev cache.Event) {
		program.Send(cacheEventMsg{event: ev})
	})
	defer unsubscribe()

	if _, err := program.Run(); err != nil {
		logging.Error().Err(err).Msg("panel exited with error")
		return err
	}
	return nil
}
