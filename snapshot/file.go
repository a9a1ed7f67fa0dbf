package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskboard/domain"
)

// File stores the snapshot as <dir>/<key>.json. Writes go to a temporary file
// that is synced and renamed over the target.
type File struct {
	dir  string
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFile creates a file-backed snapshot store. An empty key uses DefaultKey.
func NewFile(dir, key string) (*File, error) {
	if dir == "" {
		return nil, errors.New("snapshot dir required")
	}
	if key == "" {
		key = DefaultKey
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &File{dir: dir, path: filepath.Join(dir, key+".json"), now: time.Now}, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Load(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

func (f *File) Save(ctx context.Context, tasks []domain.Task) error {
	data, err := encode(tasks, f.now())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	return syncDir(f.dir)
}

func syncFile(path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return fh.Sync()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
