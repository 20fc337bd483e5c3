package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Request is a finished document waiting to be saved.
type Request struct {
	FileName string
	Content  []byte
}

// Result reports where a document ended up.
type Result struct {
	FileName string `json:"fileName"`
	Path     string `json:"path"`
}

// Sink receives generated documents.
type Sink interface {
	Save(ctx context.Context, req Request) (Result, error)
}

// DirSink saves documents into a directory, never overwriting: a taken name
// gets " (1)", " (2)", ... before the extension.
type DirSink struct {
	dir string
	mu  sync.Mutex
}

// NewDirSink creates a sink writing into dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

// Dir returns the target directory.
func (s *DirSink) Dir() string {
	return s.dir
}

// Save writes req.Content under a sanitized, unused name.
func (s *DirSink) Save(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(req.Content) == 0 {
		return Result{}, errors.New("empty document")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create %s: %w", s.dir, err)
	}

	name := BuildSafeDocxName(req.FileName)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(s.dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		if _, err := f.Write(req.Content); err != nil {
			f.Close()
			os.Remove(path)
			return Result{}, err
		}
		if err := f.Close(); err != nil {
			return Result{}, err
		}
		return Result{FileName: candidate, Path: path}, nil
	}
}
