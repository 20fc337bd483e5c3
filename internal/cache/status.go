package cache

import (
	"github.com/colthorp/labsheets-cli-go/internal/core"
)

// SyncStatus returns the status line shown next to a month.
func (m *Manager) SyncStatus(key string) string {
	m.mu.Lock()
	entry, hasData := m.entries[key]
	refreshing := m.refreshing[key]
	m.mu.Unlock()

	switch {
	case refreshing && hasData:
		return "Showing cached data while updating..."
	case refreshing:
		return "Updating..."
	case !hasData || entry.UpdatedAt == 0:
		return ""
	default:
		return "Updated " + core.FormatRelativeTime(entry.Updated(), m.now())
	}
}
