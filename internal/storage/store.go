package storage

import (
	"bytes"
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned by Get for an absent key.
var ErrKeyNotFound = errors.New("key not found")

// Store is a local ordered key-value store. Keys are operation keys and
// values are encoded history records.
//
// Implementations must be safe for concurrent use. Values handed in or out
// are never aliased by the store.
type Store interface {
	// Get returns ErrKeyNotFound when key is absent.
	Get(key string) ([]byte, error)

	// Put creates or replaces key.
	Put(key string, value []byte) error

	// Delete is idempotent.
	Delete(key string) error

	// List returns every key in ascending order, oldest operation first.
	List() ([]string, error)

	Stats() (StoreStats, error)

	Close() error
}

// StoreStats summarizes a store's contents.
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// MemoryStore keeps entries in process memory. It backs coordinators
// started without a data path and most tests; everything is lost on
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
	size    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size += len(v) - len(m.entries[key])
	m.entries[key] = v
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size -= len(m.entries[key])
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys, nil
}

// Stats is maintained incrementally by Put and Delete.
func (m *MemoryStore) Stats() (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Keys: len(m.entries), Bytes: m.size}, nil
}

// Close is a no-op; the contents stay readable.
func (m *MemoryStore) Close() error { return nil }
