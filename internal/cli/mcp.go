package cli

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/colthorp/labsheets-cli-go/internal/cache"
	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/export"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
	"github.com/colthorp/labsheets-cli-go/internal/output"
)

// MonthSubmissionsParams are the parameters for the month_submissions tool
type MonthSubmissionsParams struct {
	MonthSpec    string `json:"month_spec,omitempty" jsonschema:"month as YYYY-M, this-month, last-month, next-month or m-N (default: this month)"`
	Course       string `json:"course,omitempty" jsonschema:"only include this course code, e.g. SE3032"`
	ForceRefresh bool   `json:"force_refresh,omitempty" jsonschema:"refresh from CourseWeb even when the cache is fresh"`
}

// MonthSubmissionsResult is the month_submissions tool output
type MonthSubmissionsResult struct {
	Key        string         `json:"key" jsonschema:"cache key of the month"`
	Label      string         `json:"label" jsonschema:"month name and year"`
	UpdatedAt  string         `json:"updated_at,omitempty" jsonschema:"when the data was fetched (RFC 3339)"`
	Refreshing bool           `json:"refreshing" jsonschema:"a background refresh is running"`
	Status     string         `json:"status,omitempty" jsonschema:"sync status line"`
	Summary    output.Summary `json:"summary" jsonschema:"stats, courses and sorted submissions"`
}

// ExportPendingParams are the parameters for the export_pending tool
type ExportPendingParams struct {
	MonthSpec string `json:"month_spec,omitempty" jsonschema:"month as YYYY-M, this-month, last-month, next-month or m-N (default: this month)"`
	Course    string `json:"course,omitempty" jsonschema:"only export this course code"`
}

// ExportPendingResult is the export_pending tool output
type ExportPendingResult struct {
	Saved  []export.Result `json:"saved" jsonschema:"templates written"`
	Errors string          `json:"errors,omitempty" jsonschema:"failures, if any"`
}

// mcpTools holds what the tool handlers need.
type mcpTools struct {
	manager  *cache.Manager
	exporter *export.Exporter
	now      func() time.Time
}

// newMCPServer registers the labsheets tools on a new server.
func newMCPServer(a *app) *mcp.Server {
	tools := &mcpTools{manager: a.manager, exporter: a.exporter, now: time.Now}

	server := mcp.NewServer(&mcp.Implementation{Name: "labsheets-cli", Version: core.Version}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "month_submissions",
		Description: "List CourseWeb lab sheet submissions for a calendar month with their submission, grading and time-remaining status. Cached data is returned at once; stale months refresh in the background.",
	}, tools.monthSubmissions)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "export_pending",
		Description: "Save DOCX cover page templates for every lab of a month that is not yet submitted. Returns the saved file paths.",
	}, tools.exportPending)
	return server
}

// runMCPServer serves the tools on stdio until ctx ends or the client disconnects.
func runMCPServer(ctx context.Context, a *app) error {
	logging.Info().Msg("starting MCP server on stdio")
	return newMCPServer(a).Run(ctx, &mcp.StdioTransport{})
}

func (t *mcpTools) monthSubmissions(ctx context.Context, _ *mcp.CallToolRequest, in MonthSubmissionsParams) (*mcp.CallToolResult, MonthSubmissionsResult, error) {
	year, month, err := core.ParseMonthSpec(in.MonthSpec, t.now())
	if err != nil {
		return nil, MonthSubmissionsResult{}, err
	}
	res, err := t.manager.Get(ctx, year, month, cache.GetOptions{ForceRefresh: in.ForceRefresh})
	if err != nil {
		return nil, MonthSubmissionsResult{}, err
	}

	out := MonthSubmissionsResult{
		Key:        res.Key,
		Label:      core.MonthLabel(year, month),
		Refreshing: res.Refreshing,
		Status:     t.manager.SyncStatus(res.Key),
		Summary:    output.Summarize(res.Records, in.Course),
	}
	if !res.UpdatedAt.IsZero() {
		out.UpdatedAt = res.UpdatedAt.Format(time.RFC3339)
	}
	return nil, out, nil
}

func (t *mcpTools) exportPending(ctx context.Context, _ *mcp.CallToolRequest, in ExportPendingParams) (*mcp.CallToolResult, ExportPendingResult, error) {
	year, month, err := core.ParseMonthSpec(in.MonthSpec, t.now())
	if err != nil {
		return nil, ExportPendingResult{}, err
	}
	res, err := t.manager.Get(ctx, year, month, cache.GetOptions{})
	if err != nil {
		return nil, ExportPendingResult{}, err
	}

	saved, err := t.exporter.ExportPending(ctx, output.Summarize(res.Records, in.Course).Rows)
	out := ExportPendingResult{Saved: saved}
	if out.Saved == nil {
		out.Saved = []export.Result{}
	}
	if err != nil {
		out.Errors = err.Error()
	}
	return nil, out, nil
}
