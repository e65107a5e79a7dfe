package leader

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/codec"
	"github.com/dreamware/shardctl/internal/storage"
)

// HistoryRecord describes a finished leader operation.
type HistoryRecord struct {
	Key      string    `json:"key" cbor:"key"`
	Kind     Kind      `json:"kind" cbor:"kind"`
	Index    string    `json:"index,omitempty" cbor:"index,omitempty"`
	Outcome  string    `json:"outcome" cbor:"outcome"`
	NodeOps  int       `json:"node_ops" cbor:"node_ops"`
	Requeues int       `json:"requeues,omitempty" cbor:"requeues,omitempty"`
	Enqueued time.Time `json:"enqueued" cbor:"enqueued"`
	Finished time.Time `json:"finished" cbor:"finished"`
}

// DefaultHistoryLimit is the number of records a History keeps when no
// limit is given.
const DefaultHistoryLimit = 1000

// History keeps the most recent finished operations of the leaders that
// ran in this process. Records live in a storage.Store keyed by operation
// key; keys are time-ordered UUIDs, so the store's key order is the order
// in which operations were enqueued.
type History struct {
	store storage.Store
	limit int

	mu sync.Mutex
}

// NewHistory keeps at most limit records in store. A limit of zero or less
// means DefaultHistoryLimit.
func NewHistory(store storage.Store, limit int) (*History, error) {
	if store == nil {
		return nil, errors.New("leader: history store is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{store: store, limit: limit}, nil
}

// Record stores rec and drops the oldest records beyond the limit.
func (h *History) Record(rec HistoryRecord) error {
	raw, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", rec.Key, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.Put(rec.Key, raw); err != nil {
		return fmt.Errorf("history: put %s: %w", rec.Key, err)
	}
	keys, err := h.store.List()
	if err != nil {
		return fmt.Errorf("history: list: %w", err)
	}
	for _, k := range keys[:max(0, len(keys)-h.limit)] {
		if err := h.store.Delete(k); err != nil {
			return fmt.Errorf("history: trim %s: %w", k, err)
		}
	}
	return nil
}

// Recent returns up to n records, newest first. Records that vanish or
// fail to decode while being read are skipped.
func (h *History) Recent(n int) ([]HistoryRecord, error) {
	keys, err := h.store.List()
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	keys = keys[max(0, len(keys)-n):]
	slices.Reverse(keys)

	out := make([]HistoryRecord, 0, len(keys))
	for _, k := range keys {
		raw, err := h.store.Get(k)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("history: get %s: %w", k, err)
		}
		var rec HistoryRecord
		if err := codec.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stats reports the size of the underlying store.
func (h *History) Stats() (storage.StoreStats, error) {
	return h.store.Stats()
}
