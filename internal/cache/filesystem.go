package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/colthorp/labsheets-cli-go/internal/core"
)

// FileStore keeps each blob in its own file under root.
// Layout: ~/.labsheets/cache/<sanitized storage key>.json
type FileStore struct {
	root      string
	writeLock sync.Mutex
}

// NewFileStore creates a new filesystem-based store.
func NewFileStore(root string) *FileStore {
	if root == "" {
		root = core.CacheRoot()
	}
	return &FileStore{root: root}
}

var fileNameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_",
)

// Path returns the file holding key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.root, fileNameReplacer.Replace(key)+".json")
}

// Get returns the blob under key or ErrNotFound.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set persists the blob atomically: temp file, then rename.
func (s *FileStore) Set(_ context.Context, key string, blob []byte) error {
	path := s.Path(key)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
