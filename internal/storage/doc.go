// Package storage provides the local key-value layer a coordinator
// process keeps next to the coordination tree.
//
// # Overview
//
// The coordination tree itself lives in etcd (see internal/coord). What a
// single coordinator wants to remember on its own disk, the history of
// leader operations it finished, goes through a Store instead. Keys are
// operation keys, time-ordered UUIDs, so ascending key order is the order
// in which operations were enqueued and trimming the oldest entries is a
// prefix of List.
//
// # Architecture
//
//	┌──────────────────────────────┐
//	│ leader.Queue                 │
//	│   finish(op) ──► History     │
//	└──────────────┬───────────────┘
//	               │ Put / List / Delete
//	     ┌─────────▼──────────┐
//	     │   storage.Store    │
//	     ├─────────┬──────────┤
//	     │ Memory  │  SQLite  │
//	     │ Store   │  Store   │
//	     └─────────┴────┬─────┘
//	                    │
//	          <data_path>/history.db
//
// # Implementations
//
// MemoryStore keeps everything in a map guarded by a sync.RWMutex. It is
// used by tests and by coordinators started without a data path.
//
// SQLiteStore keeps entries in one table of a WAL-mode SQLite database
// through a pooled zombiezen.com/go/sqlite connection set, so the history
// survives a coordinator restart.
//
// # Contract
//
// Every implementation is safe for concurrent use. Get returns
// ErrKeyNotFound for absent keys; Delete of an absent key succeeds; List
// returns keys in ascending byte order. Values are opaque bytes and a nil
// value reads back as an empty, non-nil slice.
//
// # Usage Example
//
//	store, err := storage.OpenSQLite(storage.SQLiteConfig{
//		Path:   "/var/lib/shardctl/history.db",
//		Logger: logger,
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	history, err := leader.NewHistory(store, 1000)
//
// # See Also
//
//   - internal/leader: History, the only writer
//   - cmd/coordinator: GET /operations/history
package storage
