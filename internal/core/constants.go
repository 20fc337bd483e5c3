// Package core provides shared constants and helpers for the labsheets CLI.
package core

import (
	"os"
	"path/filepath"
	"time"
)

// Portal configuration
const (
	DefaultPortalURL   = "https://courseweb.sliit.lk"
	SessionCookieName  = "MoodleSession"
	AjaxServicePath    = "/lib/ajax/service.php"
	CalendarMonthlyRPC = "core_calendar_get_calendar_monthly_view"
)

// Cache windows
const (
	CacheFreshFor      = 10 * time.Minute
	CacheMaxAge        = 30 * 24 * time.Hour
	CacheStoragePrefix = "cwLabsheetCache:v1:"
)

// Detail fetches run this many at a time.
const DetailBatchSize = 3

// ExportInterval spaces consecutive template exports.
const ExportInterval = 800 * time.Millisecond

// FilterKeywords select lab/practical events by case-insensitive substring match.
var FilterKeywords = []string{
	"lab sheet",
	"labsheet",
	"lab submission",
	"practical",
	"submission link",
	"submission",
}

// Placeholders used when student details are unknown.
const (
	PlaceholderStudentID   = "IT________"
	PlaceholderStudentName = "________________"
)

// ConfigRoot returns the default configuration directory.
func ConfigRoot() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "labsheets")
}

// CacheRoot returns the default cache directory path.
func CacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".labsheets", "cache")
}

// DownloadsDir returns the default directory for exported templates.
func DownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

// Version is the current CLI version.
const Version = "0.3.0"
