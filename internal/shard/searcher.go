package shard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotDirectory is returned when a shard path is not a directory
var ErrNotDirectory = errors.New("shard path is not a directory")

// DirSearcher is a Searcher that treats a shard as opened once its
// directory has been verified readable. It stands in for the real
// search layer in the node process and in tests.
type DirSearcher struct{}

// Open verifies that path is a readable directory. A "file://" prefix
// is accepted.
func (DirSearcher) Open(_ context.Context, shard, path string) error {
	path = strings.TrimPrefix(path, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	if _, err := os.ReadDir(path); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Close has nothing to release.
func (DirSearcher) Close(context.Context, string) error {
	return nil
}

// MemorySearcher records opened shards without touching the
// filesystem. Paths registered with SetFailure make Open fail.
type MemorySearcher struct {
	mu   sync.Mutex
	open map[string]string
	fail map[string]error
}

// NewMemorySearcher creates an empty MemorySearcher
func NewMemorySearcher() *MemorySearcher {
	return &MemorySearcher{open: make(map[string]string), fail: make(map[string]error)}
}

func (m *MemorySearcher) Open(_ context.Context, shard, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[path]; ok {
		return err
	}
	m.open[shard] = path
	return nil
}

func (m *MemorySearcher) Close(_ context.Context, shard string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, shard)
	return nil
}

// IsOpen reports whether shard is currently open
func (m *MemorySearcher) IsOpen(shard string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[shard]
	return ok
}

// SetFailure makes Open fail for path (nil clears it)
func (m *MemorySearcher) SetFailure(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, path)
		return
	}
	m.fail[path] = err
}
