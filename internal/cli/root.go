// Package cli implements the command-line interface for the labsheets CLI.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/colthorp/labsheets-cli-go/internal/config"
	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
)

// Global flags
var (
	configPath   string
	verbose      bool
	quiet        bool
	raw          bool
	forceRefresh bool
)

// cfg is loaded before any subcommand runs.
var cfg *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "labsheets",
	Short: "labsheets – track CourseWeb lab sheet submissions",
	Long: `A command-line utility that lists the lab sheet submissions of a CourseWeb
(Moodle) calendar month, caches them locally and exports DOCX cover templates
for the ones still pending.`,
	Version:           core.Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", fmt.Sprintf("Config file (default: %s)", config.DefaultPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress progress messages")
	rootCmd.PersistentFlags().BoolVar(&raw, "raw", false, "Emit raw JSON instead of a table")
	rootCmd.PersistentFlags().BoolVarP(&forceRefresh, "force-refresh", "f", false, "Refresh from CourseWeb even when the cache is fresh")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, path, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.Log.Level
	switch {
	case verbose:
		level = "debug"
	case quiet:
		level = "warn"
	}
	logging.Init(logging.Config{Level: level, Format: cfg.Log.Format, Output: os.Stderr})

	if path != "" {
		logging.Debug().Str("path", path).Msg("config loaded")
	}
	return nil
}
