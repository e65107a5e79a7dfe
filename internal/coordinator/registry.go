package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
)

var (
	// ErrRegistryUnavailable is returned by reads once the coordination
	// connection has been lost for longer than the grace window, or
	// before the first successful load.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrIndexNotFound is returned for unknown index names.
	ErrIndexNotFound = cluster.ErrIndexNotFound
)

// ChangeKind classifies a registry change.
type ChangeKind int

const (
	NodeAdded ChangeKind = iota + 1
	NodeRemoved
	NodeChanged
	IndexChanged
	IndexRemoved
	ReplicaSetChanged
)

func (k ChangeKind) String() string {
	switch k {
	case NodeAdded:
		return "node_added"
	case NodeRemoved:
		return "node_removed"
	case NodeChanged:
		return "node_changed"
	case IndexChanged:
		return "index_changed"
	case IndexRemoved:
		return "index_removed"
	case ReplicaSetChanged:
		return "replica_set_changed"
	}
	return "unknown"
}

// Change is one difference between two consecutive registry loads.
type Change struct {
	Kind  ChangeKind
	Node  string
	Index string
	Shard string
}

// watcherBuffer is the number of undelivered changes a subscriber may
// accumulate before further changes are dropped for it.
const watcherBuffer = 1024

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Session *coord.Session
	// Grace is how long reads keep serving the last snapshot after the
	// coordination connection is lost. Defaults to 5s.
	Grace  time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

type snapshot struct {
	nodes    map[string]cluster.Node
	owners   map[string]int64
	indices  map[string]cluster.Index
	versions map[string]int64
	replicas map[string][]string
	assigned map[string][]string
}

// Registry is the leader's cached view of cluster membership and index
// metadata. It watches the nodes, indices and shard-to-node subtrees,
// re-reads them after every batch of events and publishes the
// differences as Changes.
type Registry struct {
	session *coord.Session
	grace   time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	syncMu sync.Mutex // serializes loads so changes are published in order

	mu             sync.RWMutex
	snap           *snapshot
	disconnectedAt time.Time

	watchers    *xsync.MapOf[uint64, chan Change]
	nextWatcher atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. Call Start to load and watch.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Session == nil {
		return nil, errors.New("registry: session is required")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		session:  cfg.Session,
		grace:    cfg.Grace,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		watchers: xsync.NewMapOf[uint64, chan Change](),
	}, nil
}

// Start performs the initial load and begins watching. The first load
// publishes every node and index as added/changed.
func (r *Registry) Start(ctx context.Context) error {
	prefixes := []string{cluster.NodesPath, cluster.IndicesPath, cluster.ShardToNodePath}
	subs := make([]*coord.Subscription, 0, len(prefixes))
	for _, p := range prefixes {
		sub, err := r.session.Subscribe(p)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return fmt.Errorf("registry: subscribe %s: %w", p, err)
		}
		subs = append(subs, sub)
	}

	if err := r.Sync(ctx); err != nil {
		for _, s := range subs {
			s.Close()
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.watch(loopCtx, subs)
	r.logger.Info("registry started")
	return nil
}

// Stop ends the watch loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) watch(ctx context.Context, subs []*coord.Subscription) {
	defer r.wg.Done()
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-subs[0].Done():
			return
		case <-subs[0].Ready():
		case <-subs[1].Ready():
		case <-subs[2].Ready():
		}

		reload := false
		for _, sub := range subs {
			for _, ev := range sub.Drain() {
				switch ev.Type {
				case coord.EventDisconnected:
					r.markDisconnected()
				case coord.EventReconnected:
					r.markConnected()
					reload = true
				default:
					reload = true
				}
			}
		}
		if !reload {
			continue
		}
		if err := r.Sync(ctx); err != nil {
			r.logger.Debug("registry reload failed", "error", err)
		}
	}
}

func (r *Registry) markDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnectedAt.IsZero() {
		r.disconnectedAt = r.clock.Now()
		r.logger.Warn("registry lost coordination connection", "grace", r.grace)
	}
}

func (r *Registry) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.disconnectedAt.IsZero() {
		r.logger.Info("registry reconnected", "after", r.clock.Now().Sub(r.disconnectedAt))
		r.disconnectedAt = time.Time{}
	}
}

// Sync re-reads the watched subtrees synchronously and publishes the
// differences. Leader operations call it before planning so they never
// act on a stale view.
func (r *Registry) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	next, err := r.load()
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}

	r.mu.Lock()
	prev := r.snap
	r.snap = next
	r.mu.Unlock()

	for _, change := range diff(prev, next) {
		r.publish(change)
	}
	return nil
}

func (r *Registry) load() (*snapshot, error) {
	s := &snapshot{
		nodes:    make(map[string]cluster.Node),
		owners:   make(map[string]int64),
		indices:  make(map[string]cluster.Index),
		versions: make(map[string]int64),
		replicas: make(map[string][]string),
		assigned: make(map[string][]string),
	}

	names, err := r.children(cluster.NodesPath)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		raw, stat, err := r.session.GetStat(cluster.NodePath(name))
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		node, err := cluster.DecodeNode(raw)
		if err != nil {
			r.logger.Warn("skipping undecodable node registration", "node", name, "error", err)
			continue
		}
		node.Name = name
		if node.Shards, err = r.children(cluster.NodeShardsPath(name)); err != nil {
			return nil, err
		}
		s.nodes[name] = node
		s.owners[name] = stat.Owner
		for _, shard := range node.Shards {
			s.replicas[shard] = append(s.replicas[shard], name)
		}
	}

	indices, err := r.children(cluster.IndicesPath)
	if err != nil {
		return nil, err
	}
	for _, name := range indices {
		idx, version, err := cluster.ReadIndex(r.session, name)
		if errors.Is(err, cluster.ErrIndexNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.indices[name] = idx
		s.versions[name] = version
	}

	shards, err := r.children(cluster.ShardToNodePath)
	if err != nil {
		return nil, err
	}
	for _, shard := range shards {
		hosts, err := r.children(cluster.ShardAssignmentsPath(shard))
		if err != nil {
			return nil, err
		}
		s.assigned[shard] = hosts
	}
	return s, nil
}

func (r *Registry) children(p string) ([]string, error) {
	names, err := r.session.Children(p)
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	return names, err
}

func diff(prev, next *snapshot) []Change {
	if prev == nil {
		prev = &snapshot{}
	}
	var changes []Change

	for _, name := range unionKeys(prev.nodes, next.nodes) {
		before, had := prev.nodes[name]
		after, has := next.nodes[name]
		switch {
		case had && !has:
			changes = append(changes, Change{Kind: NodeRemoved, Node: name})
		case !had && has:
			changes = append(changes, Change{Kind: NodeAdded, Node: name})
		case prev.owners[name] != next.owners[name]:
			// Re-registered through a new session between two loads.
			changes = append(changes, Change{Kind: NodeRemoved, Node: name}, Change{Kind: NodeAdded, Node: name})
		case before.State != after.State || before.Addr != after.Addr:
			changes = append(changes, Change{Kind: NodeChanged, Node: name})
		}
	}

	for _, name := range unionKeys(prev.indices, next.indices) {
		_, had := prev.indices[name]
		_, has := next.indices[name]
		switch {
		case had && !has:
			changes = append(changes, Change{Kind: IndexRemoved, Index: name})
		case !had && has, prev.versions[name] != next.versions[name]:
			changes = append(changes, Change{Kind: IndexChanged, Index: name})
		}
	}

	for _, shard := range unionKeys(prev.replicas, next.replicas) {
		if !slices.Equal(prev.replicas[shard], next.replicas[shard]) {
			changes = append(changes, Change{Kind: ReplicaSetChanged, Shard: shard, Index: cluster.IndexOfShard(shard)})
		}
	}
	return changes
}

func unionKeys[V any](a, b map[string]V) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (r *Registry) publish(change Change) {
	r.logger.Debug("registry change", "kind", change.Kind, "node", change.Node, "index", change.Index, "shard", change.Shard)
	r.watchers.Range(func(id uint64, ch chan Change) bool {
		select {
		case ch <- change:
		default:
			r.logger.Warn("registry subscriber lagging, change dropped", "subscriber", id, "kind", change.Kind)
		}
		return true
	})
}

// Subscribe returns a channel of future changes and a function that
// stops delivery. The channel is never closed.
func (r *Registry) Subscribe() (<-chan Change, func()) {
	id := r.nextWatcher.Add(1)
	ch := make(chan Change, watcherBuffer)
	r.watchers.Store(id, ch)
	return ch, func() { r.watchers.Delete(id) }
}

func (r *Registry) view() (*snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snap == nil {
		return nil, fmt.Errorf("%w: not loaded", ErrRegistryUnavailable)
	}
	if !r.disconnectedAt.IsZero() {
		if lost := r.clock.Now().Sub(r.disconnectedAt); lost > r.grace {
			return nil, fmt.Errorf("%w: disconnected for %s", ErrRegistryUnavailable, lost)
		}
	}
	return r.snap, nil
}

// LiveNodes returns every registered node, sorted by name, with the
// shards each one reports hosting.
func (r *Registry) LiveNodes() ([]cluster.Node, error) {
	s, err := r.view()
	if err != nil {
		return nil, err
	}
	nodes := make([]cluster.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		n.Shards = slices.Clone(n.Shards)
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b cluster.Node) int {
		return strings.Compare(a.Name, b.Name)
	})
	return nodes, nil
}

// LiveNodeNames returns the sorted names of the registered nodes.
func (r *Registry) LiveNodeNames() ([]string, error) {
	s, err := r.view()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Indices returns the sorted names of all indices in any state.
func (r *Registry) Indices() ([]string, error) {
	s, err := r.view()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.indices))
	for name := range s.indices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// ReadIndexMetadata returns the cached metadata of an index.
func (r *Registry) ReadIndexMetadata(name string) (cluster.Index, error) {
	s, err := r.view()
	if err != nil {
		return cluster.Index{}, err
	}
	idx, ok := s.indices[name]
	if !ok {
		return cluster.Index{}, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	idx.Shards = slices.Clone(idx.Shards)
	return idx, nil
}

// ShardReplicaSet returns the sorted live nodes that report hosting shard.
func (r *Registry) ShardReplicaSet(shard string) ([]string, error) {
	s, err := r.view()
	if err != nil {
		return nil, err
	}
	return slices.Clone(s.replicas[shard]), nil
}

// Assignments returns the nodes recorded under shard-to-node for shard,
// whether or not they are live.
func (r *Registry) Assignments(shard string) ([]string, error) {
	s, err := r.view()
	if err != nil {
		return nil, err
	}
	return slices.Clone(s.assigned[shard]), nil
}

// AssignedShards returns the sorted shards with a shard-to-node record.
func (r *Registry) AssignedShards() ([]string, error) {
	s, err := r.view()
	if err != nil {
		return nil, err
	}
	shards := make([]string, 0, len(s.assigned))
	for shard := range s.assigned {
		shards = append(shards, shard)
	}
	slices.Sort(shards)
	return shards, nil
}

// NodeLoad returns the number of shards a live node hosts.
func (r *Registry) NodeLoad(node string) (int, error) {
	s, err := r.view()
	if err != nil {
		return 0, err
	}
	return len(s.nodes[node].Shards), nil
}
