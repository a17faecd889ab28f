package device

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is a small key-value slot store. Get returns "" without error for a
// missing key.
type Store interface {
	Get(key string) (string, error)
	Put(key, value string) error
}

// FileStore keeps each key in a hidden one-line file ".<key>" under Dir.
// There is no locking between processes sharing Dir; the last writer wins.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = "."
	}
	return &FileStore{Dir: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.Dir, "."+key)
}

func (s *FileStore) Get(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("device: read %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Put replaces the value atomically so a concurrent reader never sees a
// truncated file.
func (s *FileStore) Put(key, value string) error {
	f, err := os.CreateTemp(s.Dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("device: store %s: %w", key, err)
	}
	tmp := f.Name()
	_, werr := f.WriteString(value + "\n")
	cerr := f.Close()
	if err = errors.Join(werr, cerr); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("device: store %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("device: store %s: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *MemoryStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}
