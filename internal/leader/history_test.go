package leader

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardctl/internal/storage"
)

func historyRecord(i int) HistoryRecord {
	at := time.Date(2024, 3, 1, 12, 0, i, 0, time.UTC)
	return HistoryRecord{
		Key:      fmt.Sprintf("op-%03d", i),
		Kind:     KindBalanceIndex,
		Index:    "books",
		Outcome:  "completed",
		NodeOps:  i,
		Enqueued: at,
		Finished: at.Add(time.Second),
	}
}

func TestHistoryKeepsNewest(t *testing.T) {
	stores := map[string]func(t *testing.T) storage.Store{
		"memory": func(t *testing.T) storage.Store { return storage.NewMemoryStore() },
		"sqlite": func(t *testing.T) storage.Store {
			s, err := storage.OpenSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			h, err := NewHistory(open(t), 3)
			require.NoError(t, err)
			for i := 1; i <= 5; i++ {
				require.NoError(t, h.Record(historyRecord(i)))
			}

			recent, err := h.Recent(10)
			require.NoError(t, err)
			assert.Equal(t, []HistoryRecord{historyRecord(5), historyRecord(4), historyRecord(3)}, recent)

			recent, err = h.Recent(1)
			require.NoError(t, err)
			assert.Equal(t, []HistoryRecord{historyRecord(5)}, recent)

			stats, err := h.Stats()
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Keys)
		})
	}
}

func TestHistoryRequiresStore(t *testing.T) {
	_, err := NewHistory(nil, 10)
	assert.Error(t, err)

	h, err := NewHistory(storage.NewMemoryStore(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryLimit, h.limit)
}

func TestHistorySkipsUndecodableRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	h, err := NewHistory(store, 10)
	require.NoError(t, err)
	require.NoError(t, h.Record(historyRecord(1)))
	require.NoError(t, store.Put("op-002", []byte{0xff}))

	recent, err := h.Recent(10)
	require.NoError(t, err)
	assert.Equal(t, []HistoryRecord{historyRecord(1)}, recent)
}
