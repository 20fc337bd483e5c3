package cache

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and the memory backend.
type MemoryStore struct {
	blobs  map[string][]byte
	writes int
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Get returns a copy of the blob under key or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// Set stores a copy of blob.
func (s *MemoryStore) Set(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), blob...)
	s.writes++
	return nil
}

// Writes returns the number of Set calls (for testing).
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Reset clears all blobs (for testing).
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = make(map[string][]byte)
	s.writes = 0
}

// Seed stores a blob directly (for testing).
func (s *MemoryStore) Seed(key string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), blob...)
}
