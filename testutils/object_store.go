package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileObjectStore keeps archive objects as files under a temporary
// directory. It satisfies storage.ObjectStore.
type FileObjectStore struct {
	root string

	mu     sync.Mutex
	errors map[string]error
}

func NewFileObjectStore(root string) (*FileObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating object store root: %w", err)
	}
	return &FileObjectStore{root: root, errors: make(map[string]error)}, nil
}

func (s *FileObjectStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileObjectStore) failure(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors[key]
}

func (s *FileObjectStore) Put(_ context.Context, key string, body io.Reader, size int64) error {
	if err := s.failure(key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s: declared %d, read %d", key, size, len(data))
	}
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *FileObjectStore) Exists(_ context.Context, key string) (bool, error) {
	if err := s.failure(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// SetError makes every operation on key fail with err.
func (s *FileObjectStore) SetError(key string, err error) {
	s.mu.Lock()
	s.errors[key] = err
	s.mu.Unlock()
}

func (s *FileObjectStore) Data(key string) ([]byte, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Keys lists the stored object keys with forward slashes.
func (s *FileObjectStore) Keys() []string {
	var keys []string
	_ = filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		return nil
	})
	return keys
}

func (s *FileObjectStore) ObjectCount() int {
	return len(s.Keys())
}
