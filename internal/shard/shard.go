package shard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
)

// ShardState represents the current state of a deployed shard
type ShardState string

const (
	// ShardStateActive means the shard is open and serving
	ShardStateActive ShardState = "active"
	// ShardStateFailed means the last open attempt failed
	ShardStateFailed ShardState = "failed"
)

// Searcher is the search layer that actually loads a shard's files.
// Open must be safe to call for a shard that is already open; Close must
// succeed for a shard that is not open.
type Searcher interface {
	Open(ctx context.Context, shard, path string) error
	Close(ctx context.Context, shard string) error
}

// Shard is one shard replica hosted on this node.
type Shard struct {
	Name     string     // Cluster-wide shard name ("<index>#<dir>")
	Index    string     // Owning index
	Path     string     // Location of the shard's files
	State    ShardState // Current shard state
	OpenedAt time.Time  // When the shard became active
	Error    string     // Failure detail when State is failed
}

// HostStats counts the operations a Host has executed
type HostStats struct {
	Opens    uint64 // Successful opens, including idempotent ones
	Closes   uint64 // Successful closes, including idempotent ones
	Failures uint64 // Failed opens or closes
}

// HostConfig configures a Host
type HostConfig struct {
	Searcher Searcher
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Host keeps the set of shards deployed on a node and executes the
// leader's open and close operations against the Searcher.
type Host struct {
	mu       sync.Mutex // Serializes open/close and guards shards
	shards   map[string]*Shard
	searcher Searcher
	clock    clock.Clock
	logger   *slog.Logger
	stats    HostStats
}

// NewHost creates a host with no shards
func NewHost(cfg HostConfig) *Host {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	searcher := cfg.Searcher
	if searcher == nil {
		searcher = DirSearcher{}
	}
	return &Host{
		shards:   make(map[string]*Shard),
		searcher: searcher,
		clock:    c,
		logger:   logger,
	}
}

// Open deploys a shard. Opening an active shard at the same path is a
// no-op; a different path reopens it.
func (h *Host) Open(ctx context.Context, name, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.shards[name]; ok && existing.State == ShardStateActive {
		if existing.Path == path {
			atomic.AddUint64(&h.stats.Opens, 1)
			return nil
		}
		h.logger.Info("reopening shard at new path", "shard", name, "old_path", existing.Path, "path", path)
		if err := h.searcher.Close(ctx, name); err != nil {
			atomic.AddUint64(&h.stats.Failures, 1)
			return fmt.Errorf("closing %s before reopen: %w", name, err)
		}
		delete(h.shards, name)
	}

	shard := &Shard{Name: name, Index: cluster.IndexOfShard(name), Path: path}
	if err := h.searcher.Open(ctx, name, path); err != nil {
		atomic.AddUint64(&h.stats.Failures, 1)
		shard.State = ShardStateFailed
		shard.Error = err.Error()
		h.shards[name] = shard
		h.logger.Warn("shard open failed", "shard", name, "path", path, "error", err)
		return fmt.Errorf("opening %s: %w", name, err)
	}

	shard.State = ShardStateActive
	shard.OpenedAt = h.clock.Now()
	h.shards[name] = shard
	atomic.AddUint64(&h.stats.Opens, 1)
	h.logger.Info("shard opened", "shard", name, "path", path)
	return nil
}

// Close undeploys a shard. Closing an unknown shard succeeds.
func (h *Host) Close(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.shards[name]
	if !ok {
		atomic.AddUint64(&h.stats.Closes, 1)
		return nil
	}
	if existing.State == ShardStateActive {
		if err := h.searcher.Close(ctx, name); err != nil {
			atomic.AddUint64(&h.stats.Failures, 1)
			return fmt.Errorf("closing %s: %w", name, err)
		}
	}
	delete(h.shards, name)
	atomic.AddUint64(&h.stats.Closes, 1)
	h.logger.Info("shard closed", "shard", name)
	return nil
}

// Execute runs a leader operation and reports the outcome. It never
// returns an error; failures are carried in the result.
func (h *Host) Execute(ctx context.Context, op cluster.NodeOperation) cluster.OperationResult {
	var err error
	switch op.Kind {
	case cluster.OpOpenShard:
		err = h.Open(ctx, op.Shard, op.Path)
	case cluster.OpCloseShard:
		err = h.Close(ctx, op.Shard)
	default:
		err = fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if err != nil {
		return cluster.Failed(op, h.clock.Now(), err.Error())
	}
	return cluster.Succeeded(op, h.clock.Now())
}

// Get returns a copy of the named shard
func (h *Host) Get(name string) (Shard, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.shards[name]
	if !ok {
		return Shard{}, false
	}
	return *s, true
}

// List returns every known shard, including failed ones, sorted by name
func (h *Host) List() []Shard {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Shard, 0, len(h.shards))
	for _, s := range h.shards {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Shard) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Hosted returns the names of the active shards, sorted
func (h *Host) Hosted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for name, s := range h.shards {
		if s.State == ShardStateActive {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Stats returns a snapshot of the operation counters
func (h *Host) Stats() HostStats {
	return HostStats{
		Opens:    atomic.LoadUint64(&h.stats.Opens),
		Closes:   atomic.LoadUint64(&h.stats.Closes),
		Failures: atomic.LoadUint64(&h.stats.Failures),
	}
}
