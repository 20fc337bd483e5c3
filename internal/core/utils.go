package core

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ProgressPrint writes msg to stderr unless quiet is true.
func ProgressPrint(msg string, quiet bool) {
	if !quiet {
		fmt.Fprintln(os.Stderr, msg)
	}
}

// MonthKey returns the cache key for a calendar month, e.g. "2024-3".
func MonthKey(year, month int) string {
	return fmt.Sprintf("%d-%d", year, month)
}

// ParseMonthKey parses a key produced by MonthKey.
func ParseMonthKey(key string) (int, int, error) {
	parts := strings.SplitN(key, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid month key '%s'", key)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month key '%s'", key)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid month key '%s'", key)
	}
	return year, month, nil
}

// ShiftMonth moves (year, month) by delta months, wrapping across years.
func ShiftMonth(year, month, delta int) (int, int) {
	t := time.Date(year, time.Month(month)+time.Month(delta), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), int(t.Month())
}

// MonthLabel formats a month for display, e.g. "March 2024".
func MonthLabel(year, month int) string {
	return fmt.Sprintf("%s %d", time.Month(month).String(), year)
}

var (
	monthKeyRegex = regexp.MustCompile(`^(\d{4})-(\d{1,2})$`)
	relMonthRegex = regexp.MustCompile(`^m([-+])(\d+)$`)
)

// ParseMonthSpec returns a concrete (year, month) for flexible spec strings.
// Supports:
// 1. YYYY-M or YYYY-MM
// 2. this-month, last-month, next-month (empty means this-month)
// 3. Relative forms like m-1 or m+2
func ParseMonthSpec(spec string, now time.Time) (int, int, error) {
	spec = strings.ToLower(strings.TrimSpace(spec))
	year, month := now.Year(), int(now.Month())

	switch spec {
	case "", "this-month":
		return year, month, nil
	case "last-month":
		y, m := ShiftMonth(year, month, -1)
		return y, m, nil
	case "next-month":
		y, m := ShiftMonth(year, month, 1)
		return y, m, nil
	}

	if matches := monthKeyRegex.FindStringSubmatch(spec); matches != nil {
		y, _ := strconv.Atoi(matches[1])
		m, _ := strconv.Atoi(matches[2])
		if m < 1 || m > 12 {
			return 0, 0, fmt.Errorf("month out of range (1-12) in '%s'", spec)
		}
		return y, m, nil
	}

	if matches := relMonthRegex.FindStringSubmatch(spec); matches != nil {
		n, _ := strconv.Atoi(matches[2])
		if matches[1] == "-" {
			n = -n
		}
		y, m := ShiftMonth(year, month, n)
		return y, m, nil
	}

	return 0, 0, fmt.Errorf("invalid month specification: '%s'", spec)
}

// FormatRelativeTime renders the age of ts relative to now the way the
// sync status line shows it.
func FormatRelativeTime(ts, now time.Time) string {
	elapsed := now.Sub(ts)
	seconds := int(elapsed / time.Second)
	if seconds < 45 {
		return "just now"
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm ago", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh ago", hours)
	}
	return ts.Local().Format("Jan 2, 15:04")
}

// Origin reduces a portal URL to scheme://host, which scopes the storage key.
func Origin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.TrimSpace(rawURL), "/")
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

// StorageKey returns the persisted blob key for a portal origin.
func StorageKey(origin string) string {
	return CacheStoragePrefix + origin
}
