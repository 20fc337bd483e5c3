package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/colthorp/labsheets-cli-go/internal/cache"
	"github.com/colthorp/labsheets-cli-go/internal/config"
	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/export"
	"github.com/colthorp/labsheets-cli-go/internal/output"
	"github.com/colthorp/labsheets-cli-go/internal/panel"
)

func init() {
	// Add all subcommands
	rootCmd.AddCommand(monthCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(panelCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// Relative month shortcuts
	for _, spec := range []string{"this-month", "last-month", "next-month"} {
		rootCmd.AddCommand(createRelativeMonthCmd(spec))
	}

	monthCmd.Flags().String("course", output.AllCourses, "Only show one course code (e.g. SE3032)")
	exportCmd.Flags().String("course", output.AllCourses, "Only export one course code")
	exportCmd.Flags().String("dir", "", "Directory to save templates in (default: export.dir)")
	configInitCmd.Flags().String("path", "", fmt.Sprintf("Where to write the file (default: %s)", config.DefaultPath()))
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

// monthCmd lists the lab submissions of a month
var monthCmd = &cobra.Command{
	Use:   "month [month_spec]",
	Short: "List lab submissions for a month (e.g. 2024-3, last-month, m-2)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  handleMonth,
}

// exportCmd saves templates for pending labs
var exportCmd = &cobra.Command{
	Use:   "export [month_spec]",
	Short: "Save DOCX cover templates for a month's pending labs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  handleExport,
}

// panelCmd starts the interactive browser
var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Browse months interactively",
	RunE:  handlePanel,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or prune the local month cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached months",
	RunE:  handleCacheList,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop cached months past the retention window",
	RunE:  handleCachePrune,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the defaults",
	// An invalid existing file must not block writing a new one.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              handleConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  handleConfigShow,
}

// mcpCmd starts the MCP server
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI integration",
	RunE:  handleMCP,
}

func createRelativeMonthCmd(spec string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   spec,
		Short: fmt.Sprintf("List lab submissions for %s", spec),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handleMonth(cmd, []string{spec})
		},
	}
	cmd.Flags().String("course", output.AllCourses, "Only show one course code")
	return cmd
}

func parseMonthArg(args []string) (int, int, error) {
	spec := ""
	if len(args) > 0 {
		spec = args[0]
	}
	return core.ParseMonthSpec(spec, time.Now())
}

func handleMonth(cmd *cobra.Command, args []string) error {
	year, month, err := parseMonthArg(args)
	if err != nil {
		return err
	}
	course, _ := cmd.Flags().GetString("course")

	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return showMonth(cmd.Context(), a.manager, cmd.OutOrStdout(), year, month, course)
}

// monthJSON is the --raw shape of a month.
type monthJSON struct {
	Key        string         `json:"key"`
	Label      string         `json:"label"`
	UpdatedAt  *time.Time     `json:"updatedAt,omitempty"`
	Refreshing bool           `json:"refreshing"`
	Summary    output.Summary `json:"summary"`
}

// showMonth prints a month. When only cached data was available it waits,
// bounded by refreshWait, for the background refresh and prints the month
// again if it changed.
func showMonth(ctx context.Context, m *cache.Manager, w io.Writer, year, month int, course string) error {
	key := core.MonthKey(year, month)
	label := core.MonthLabel(year, month)

	finished := make(chan struct{}, 1)
	unsubscribe := m.Subscribe(func(ev cache.Event) {
		if ev.Key != key {
			return
		}
		switch ev.Kind {
		case cache.EventLoading:
			core.ProgressPrint(fmt.Sprintf("Fetching %s from CourseWeb…", label), quiet)
		case cache.EventProgress:
			core.ProgressPrint(fmt.Sprintf("Fetching details %d/%d…", ev.Done, ev.Total), quiet)
		case cache.EventRefreshFailed:
			core.ProgressPrint(fmt.Sprintf("Refresh failed: %v", ev.Err), quiet)
		case cache.EventRefreshFinished:
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	res, err := m.Get(ctx, year, month, cache.GetOptions{ForceRefresh: forceRefresh})
	if err != nil {
		return err
	}

	if !raw {
		renderMonth(w, m, res, label, course)
	}

	if res.Refreshing {
		waitForRefresh(ctx, m, key, finished)
		if latest, ok := m.Peek(year, month); ok && !latest.UpdatedAt.Equal(res.UpdatedAt) {
			res = latest
			if !raw {
				fmt.Fprintln(w)
				renderMonth(w, m, res, label, course)
			}
		}
	}

	if raw {
		out := monthJSON{
			Key:        key,
			Label:      label,
			Refreshing: m.IsRefreshing(key),
			Summary:    output.Summarize(res.Records, course),
		}
		if !res.UpdatedAt.IsZero() {
			out.UpdatedAt = &res.UpdatedAt
		}
		return output.PrintJSON(w, out)
	}
	return nil
}

func renderMonth(w io.Writer, m *cache.Manager, res *cache.Result, label, course string) {
	output.RenderMonth(w, output.MonthView{
		Label:   label,
		Status:  m.SyncStatus(res.Key),
		Summary: output.Summarize(res.Records, course),
	})
}

// waitForRefresh blocks until no refresh of key is running, the context
// ends or refreshWait passes.
func waitForRefresh(ctx context.Context, m *cache.Manager, key string, finished <-chan struct{}) {
	timeout := time.NewTimer(refreshWait)
	defer timeout.Stop()

	for m.IsRefreshing(key) {
		select {
		case <-finished:
		case <-timeout.C:
			core.ProgressPrint("Still refreshing; showing cached data", quiet)
			return
		case <-ctx.Done():
			return
		}
	}
}

func handleExport(cmd *cobra.Command, args []string) error {
	year, month, err := parseMonthArg(args)
	if err != nil {
		return err
	}
	course, _ := cmd.Flags().GetString("course")
	dir, _ := cmd.Flags().GetString("dir")

	c := *cfg
	if dir != "" {
		c.Export.Dir = dir
	}
	a, err := newApp(&c, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.manager.Get(cmd.Context(), year, month, cache.GetOptions{ForceRefresh: forceRefresh})
	if err != nil {
		return err
	}
	rows := output.Summarize(res.Records, course).Rows

	core.ProgressPrint(fmt.Sprintf("Exporting pending templates for %s to %s…", core.MonthLabel(year, month), c.Export.Dir), quiet)
	results, err := a.exporter.ExportPending(cmd.Context(), rows)
	printExportResults(cmd.OutOrStdout(), results)
	return err
}

func printExportResults(w io.Writer, results []export.Result) {
	if raw {
		output.PrintJSON(w, results)
		return
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "No pending labs to export")
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "Saved %s\n", r.Path)
	}
}

func handlePanel(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return panel.Run(cmd.Context(), a.manager, a.exporter)
}

func handleCacheList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.manager.Entries(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if raw {
		return output.PrintJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "Cache is empty")
		return nil
	}
	now := time.Now()
	fmt.Fprintf(w, "%-8s %-16s %7s %6s  %s\n", "MONTH", "LABEL", "RECORDS", "ERRORS", "UPDATED")
	for _, e := range entries {
		label := e.Key
		if y, mo, err := core.ParseMonthKey(e.Key); err == nil {
			label = core.MonthLabel(y, mo)
		}
		updated := "unknown"
		if !e.UpdatedAt.IsZero() {
			updated = core.FormatRelativeTime(e.UpdatedAt, now)
		}
		fmt.Fprintf(w, "%-8s %-16s %7d %6d  %s\n", e.Key, label, e.Records, e.Errors, updated)
	}
	return nil
}

func handleCachePrune(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.manager.Prune(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if raw {
		return output.PrintJSON(w, removed)
	}
	if len(removed) == 0 {
		fmt.Fprintln(w, "Nothing to prune")
		return nil
	}
	for _, key := range removed {
		fmt.Fprintf(w, "Removed %s\n", key)
	}
	return nil
}

func handleConfigInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.WriteFile(config.Default(), path, force); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func handleConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.Portal.SessionCookie != "" {
		shown.Portal.SessionCookie = "****"
	}
	if shown.Portal.Sesskey != "" {
		shown.Portal.Sesskey = "****"
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func handleMCP(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return runMCPServer(cmd.Context(), a)
}
