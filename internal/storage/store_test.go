package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories yields every Store implementation so the contract tests
// run against each of them.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			store, err := OpenSQLite(SQLiteConfig{
				Path:     filepath.Join(t.TempDir(), "history.db"),
				PoolSize: 2,
			})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

// TestStoreContract tests basic CRUD operations against every backend
func TestStoreContract(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("put and get", func(t *testing.T) {
				store := open()
				require.NoError(t, store.Put("0191f6a2-7c1e-7b3a-9a55-5c1d2e3f4a5b", []byte("meta")))

				value, err := store.Get("0191f6a2-7c1e-7b3a-9a55-5c1d2e3f4a5b")
				require.NoError(t, err)
				assert.Equal(t, []byte("meta"), value)
			})

			t.Run("get missing key", func(t *testing.T) {
				store := open()
				_, err := store.Get("/missing")
				assert.ErrorIs(t, err, ErrKeyNotFound)
			})

			t.Run("overwrite", func(t *testing.T) {
				store := open()
				require.NoError(t, store.Put("k", []byte("one")))
				require.NoError(t, store.Put("k", []byte("two")))

				value, err := store.Get("k")
				require.NoError(t, err)
				assert.Equal(t, []byte("two"), value)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				store := open()
				require.NoError(t, store.Put("k", []byte("v")))
				require.NoError(t, store.Delete("k"))
				require.NoError(t, store.Delete("k"))

				_, err := store.Get("k")
				assert.ErrorIs(t, err, ErrKeyNotFound)
			})

			t.Run("nil value reads back empty", func(t *testing.T) {
				store := open()
				require.NoError(t, store.Put("nil", nil))

				value, err := store.Get("nil")
				require.NoError(t, err)
				assert.NotNil(t, value)
				assert.Empty(t, value)
			})

			t.Run("list is sorted", func(t *testing.T) {
				store := open()
				for _, key := range []string{"0191-b", "0190-2", "0190-1", "0192"} {
					require.NoError(t, store.Put(key, []byte(key)))
				}

				keys, err := store.List()
				require.NoError(t, err)
				assert.Equal(t, []string{"0190-1", "0190-2", "0191-b", "0192"}, keys)
			})

			t.Run("stats", func(t *testing.T) {
				store := open()
				stats, err := store.Stats()
				require.NoError(t, err)
				assert.Equal(t, StoreStats{}, stats)

				require.NoError(t, store.Put("key1", []byte("value1")))
				require.NoError(t, store.Put("key2", []byte("value22")))
				require.NoError(t, store.Put("key3", []byte("value333")))
				require.NoError(t, store.Delete("key2"))

				stats, err = store.Stats()
				require.NoError(t, err)
				assert.Equal(t, 2, stats.Keys)
				assert.Equal(t, 6+8, stats.Bytes)
			})
		})
	}
}

// TestMemoryStoreIsolation verifies returned and stored slices are copies
func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	original := []byte("original")
	require.NoError(t, store.Put("k", original))

	original[0] = 'X'
	value, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), value)

	value[0] = 'Y'
	again, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

// TestStoreConcurrency tests thread-safe concurrent access
func TestStoreConcurrency(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			const writers = 8
			const perWriter = 25

			var wg sync.WaitGroup
			wg.Add(writers)
			for i := 0; i < writers; i++ {
				go func(id int) {
					defer wg.Done()
					for j := 0; j < perWriter; j++ {
						key := fmt.Sprintf("writer-%d-key-%d", id, j)
						assert.NoError(t, store.Put(key, []byte(key)))
						_, err := store.Get(key)
						assert.NoError(t, err)
					}
				}(i)
			}
			wg.Wait()

			keys, err := store.List()
			require.NoError(t, err)
			assert.Len(t, keys, writers*perWriter)
		})
	}
}

// TestSQLiteStoreReopen verifies entries survive closing the database
func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := OpenSQLite(SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Put("0191f6a2-7c1e-7b3a-9a55-5c1d2e3f4a5b", []byte("persisted")))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get("0191f6a2-7c1e-7b3a-9a55-5c1d2e3f4a5b")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), value)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite(SQLiteConfig{})
	assert.Error(t, err)
}
