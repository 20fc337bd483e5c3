package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/colthorp/labsheets-cli-go/internal/core"
)

// expired reports whether an entry is outside the retention window.
func expired(entry CacheEntry, now time.Time, maxAge time.Duration) bool {
	if entry.UpdatedAt == 0 {
		return true
	}
	return now.Sub(entry.Updated()) > maxAge
}

// EvictStale returns the entries still within maxAge and the keys it
// dropped, sorted. Entries without a timestamp are always dropped. The
// input map is not modified.
func EvictStale(entries Entries, now time.Time, maxAge time.Duration) (Entries, []string) {
	kept := make(Entries, len(entries))
	var removed []string
	for key, entry := range entries {
		if expired(entry, now, maxAge) {
			removed = append(removed, key)
			continue
		}
		kept[key] = entry
	}
	sort.Strings(removed)
	return kept, removed
}

// readAll loads the persisted blob. A missing or corrupt blob reads as
// empty; only store failures are returned. Callers hold storeLock.
func (m *Manager) readAll(ctx context.Context) (Entries, error) {
	blob, err := m.store.Get(ctx, m.opts.StorageKey)
	if errors.Is(err, ErrNotFound) {
		return Entries{}, nil
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to read persisted cache")
		return nil, err
	}

	var all Entries
	if err := json.Unmarshal(blob, &all); err != nil {
		m.log.Warn().Err(err).Msg("persisted cache is corrupt; ignoring it")
		return Entries{}, nil
	}
	if all == nil {
		all = Entries{}
	}
	return all, nil
}

// writeAll stores entries as the blob. Callers hold storeLock.
func (m *Manager) writeAll(ctx context.Context, entries Entries) error {
	blob, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	return m.store.Set(ctx, m.opts.StorageKey, blob)
}

// persist merges one entry into the blob, evicting stale entries.
func (m *Manager) persist(ctx context.Context, key string, entry CacheEntry) error {
	m.storeLock.Lock()
	defer m.storeLock.Unlock()

	all, err := m.readAll(ctx)
	if err != nil {
		// Writing now would clobber months we could not read.
		return err
	}
	all[key] = entry

	kept, removed := EvictStale(all, m.now(), m.opts.MaxAge)
	if len(removed) > 0 {
		m.log.Debug().Strs("keys", removed).Msg("pruned expired months")
	}
	return m.writeAll(ctx, kept)
}

// Prune drops expired months from the persisted blob and from memory and
// returns their keys.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	m.storeLock.Lock()
	defer m.storeLock.Unlock()

	all, err := m.readAll(ctx)
	if err != nil {
		return nil, err
	}
	kept, removed := EvictStale(all, m.now(), m.opts.MaxAge)
	if len(removed) > 0 {
		if err := m.writeAll(ctx, kept); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	for key, entry := range m.entries {
		if expired(entry, m.now(), m.opts.MaxAge) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()

	return removed, nil
}

// Entries lists every known month, persisted or in memory, newest first.
func (m *Manager) Entries(ctx context.Context) ([]EntryInfo, error) {
	m.storeLock.Lock()
	all, err := m.readAll(ctx)
	m.storeLock.Unlock()
	if err != nil {
		return nil, err
	}

	infos := make(map[string]*EntryInfo)
	add := func(key string, entry CacheEntry) *EntryInfo {
		info := &EntryInfo{Key: key, Records: len(entry.Data), UpdatedAt: entry.Updated()}
		for _, r := range entry.Data {
			if r.HasError() {
				info.Errors++
			}
		}
		infos[key] = info
		return info
	}

	for key, entry := range all {
		add(key, entry).Persisted = true
	}

	m.mu.Lock()
	// Memory may hold a newer refresh than the blob; its counts win.
	for key, entry := range m.entries {
		persisted := false
		if info, ok := infos[key]; ok {
			persisted = info.Persisted
		}
		info := add(key, entry)
		info.InMemory = true
		info.Persisted = persisted
	}
	m.mu.Unlock()

	out := make([]EntryInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		yi, mi, erri := core.ParseMonthKey(out[i].Key)
		yj, mj, errj := core.ParseMonthKey(out[j].Key)
		if erri != nil || errj != nil {
			return out[i].Key > out[j].Key
		}
		if yi != yj {
			return yi > yj
		}
		return mi > mj
	})
	return out, nil
}
