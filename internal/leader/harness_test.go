package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coord/coordtest"
	"github.com/dreamware/shardctl/internal/coordinator"
	"github.com/dreamware/shardctl/internal/shard"
	"github.com/dreamware/shardctl/internal/storage"
	"github.com/dreamware/shardctl/internal/worker"
)

const waitFor = 15 * time.Second
const tick = 5 * time.Millisecond

// testCluster runs nodes and masters against one in-process
// coordination server.
type testCluster struct {
	t      *testing.T
	server *coord.Server
	admin  *coord.Session

	mu     sync.Mutex
	shards map[string]int
	nodes  map[string]*testNode
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	server := coordtest.NewServer(t)
	c := &testCluster{
		t:      t,
		server: server,
		admin:  coordtest.Connect(t, server, "admin"),
		shards: make(map[string]int),
		nodes:  make(map[string]*testNode),
	}
	return c
}

// resolver serves shard-0..shard-N for each index added with addIndex.
func (c *testCluster) resolver() SourceResolver {
	return ResolverFunc(func(_ context.Context, idx cluster.Index) ([]cluster.ShardMeta, error) {
		c.mu.Lock()
		n, ok := c.shards[idx.Name]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown source %s", idx.Source)
		}
		out := make([]cluster.ShardMeta, n)
		for i := range out {
			out[i] = cluster.ShardMeta{Name: shardOf(idx.Name, i), Path: shardPath(idx.Name, i)}
		}
		return out, nil
	})
}

func shardOf(index string, i int) string {
	return cluster.ShardName(index, fmt.Sprintf("shard-%d", i))
}

func shardPath(index string, i int) string {
	return fmt.Sprintf("/data/%s/shard-%d", index, i)
}

func (c *testCluster) addIndex(name string, shards, replication int) {
	c.t.Helper()
	c.mu.Lock()
	c.shards[name] = shards
	c.mu.Unlock()
	require.NoError(c.t, cluster.CreateIndex(c.admin, cluster.Index{
		Name:        name,
		Source:      "mem://" + name,
		Replication: replication,
		State:       cluster.IndexAnnounced,
	}))
}

func (c *testCluster) updateIndex(name string, fn func(*cluster.Index)) {
	c.t.Helper()
	_, err := cluster.UpdateIndex(c.admin, name, func(i *cluster.Index) error {
		fn(i)
		return nil
	})
	require.NoError(c.t, err)
}

func (c *testCluster) waitIndexState(name string, state cluster.IndexState) cluster.Index {
	c.t.Helper()
	var idx cluster.Index
	require.Eventually(c.t, func() bool {
		var err error
		idx, _, err = cluster.ReadIndex(c.admin, name)
		return err == nil && idx.State == state
	}, waitFor, tick, "index %s never reached %s", name, state)
	return idx
}

// replicas returns the nodes whose registration lists shard.
func (c *testCluster) replicas(shard string) []string {
	nodes, err := c.admin.Children(cluster.NodesPath)
	if err != nil {
		return nil
	}
	var out []string
	for _, node := range nodes {
		if ok, err := c.admin.Exists(cluster.NodeShardPath(node, shard)); err == nil && ok {
			out = append(out, node)
		}
	}
	return out
}

func (c *testCluster) assignments(shard string) []string {
	nodes, err := c.admin.Children(cluster.ShardAssignmentsPath(shard))
	if err != nil {
		return nil
	}
	return nodes
}

// replicated reports whether every shard of index has exactly want
// replicas and matching shard-to-node records.
func (c *testCluster) replicated(index string, want int) bool {
	idx, _, err := cluster.ReadIndex(c.admin, index)
	if err != nil || len(idx.Shards) == 0 {
		return false
	}
	for _, shard := range idx.ShardNames() {
		hosts := c.replicas(shard)
		if len(hosts) != want {
			return false
		}
		recorded := c.assignments(shard)
		slices.Sort(recorded)
		if fmt.Sprint(recorded) != fmt.Sprint(hosts) {
			return false
		}
	}
	return true
}

type testNode struct {
	name     string
	cluster  *testCluster
	searcher *shard.MemorySearcher
	host     *shard.Host

	gate     chan struct{}
	openGate sync.Once

	session *coord.Session
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// newNode starts a node. With gated set, every node operation blocks
// until release is called.
func (c *testCluster) newNode(name string, gated bool) *testNode {
	c.t.Helper()
	n := &testNode{name: name, cluster: c, searcher: shard.NewMemorySearcher()}
	n.host = shard.NewHost(shard.HostConfig{Searcher: n.searcher})
	if gated {
		n.gate = make(chan struct{})
	}
	c.mu.Lock()
	c.nodes[name] = n
	c.mu.Unlock()
	n.start()
	c.t.Cleanup(func() {
		n.release()
		n.stop()
	})
	return n
}

func (n *testNode) executor() worker.Executor {
	if n.gate == nil {
		return n.host
	}
	return worker.ExecutorFunc(func(ctx context.Context, op cluster.NodeOperation) cluster.OperationResult {
		select {
		case <-n.gate:
		case <-ctx.Done():
			return cluster.Failed(op, time.Now(), "cancelled")
		}
		return n.host.Execute(ctx, op)
	})
}

func (n *testNode) start() {
	t := n.cluster.t
	t.Helper()
	n.session = coordtest.Connect(t, n.cluster.server, n.name)
	agent, err := worker.NewAgent(worker.AgentConfig{
		Name:     n.name,
		Addr:     "http://" + n.name,
		Session:  n.session,
		Executor: n.executor(),
		Inventory: func(context.Context) ([]string, error) {
			return n.host.Hosted(), nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan error, 1)
	n.running = true
	go func() { n.done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		node, err := cluster.ReadNode(n.cluster.admin, n.name)
		return err == nil && node.State == cluster.NodeInService
	}, waitFor, tick)
}

// stop kills the node: its agent ends and its session expires.
func (n *testNode) stop() {
	if !n.running {
		return
	}
	n.running = false
	n.session.Close()
	n.cancel()
	<-n.done
}

func (n *testNode) release() {
	if n.gate != nil {
		n.openGate.Do(func() { close(n.gate) })
	}
}

func (n *testNode) pendingWork() int {
	items, err := n.cluster.admin.Children(cluster.WorkQueuePath(n.name))
	if err != nil {
		return 0
	}
	return len(items)
}

type runningMaster struct {
	*Master
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func (c *testCluster) masterConfig(name string) MasterConfig {
	return MasterConfig{
		Name:              name,
		Server:            c.server,
		Sources:           c.resolver(),
		OperationTimeout:  2 * time.Second,
		ReconcileInterval: 50 * time.Millisecond,
		Debounce:          5 * time.Millisecond,
		DeployAttempts:    3,
		Backoff:           10 * time.Millisecond,
	}
}

func (c *testCluster) startMaster(cfg MasterConfig) *runningMaster {
	c.t.Helper()
	m, err := NewMaster(cfg)
	require.NoError(c.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rm := &runningMaster{Master: m, cancel: cancel, done: make(chan error, 1)}
	go func() { rm.done <- m.Run(ctx) }()
	c.t.Cleanup(rm.stop)
	return rm
}

func (rm *runningMaster) stop() {
	rm.once.Do(func() {
		rm.cancel()
		<-rm.done
	})
}

// queueFixture runs a Queue and its registry without a master or
// reconciler, so tests drive it directly.
type queueFixture struct {
	*testCluster
	session *coord.Session
	queue   *Queue
	metrics *Metrics
	history *History
}

func newQueueFixture(t *testing.T, timeout time.Duration, run bool) *queueFixture {
	t.Helper()
	c := newTestCluster(t)
	history, err := NewHistory(storage.NewMemoryStore(), 0)
	require.NoError(t, err)
	f := &queueFixture{testCluster: c, session: coordtest.Connect(t, c.server, "leader"), metrics: NewMetrics(), history: history}
	f.queue = f.newQueue(f.session, timeout)
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.queue.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			if err := <-done; err != nil && !errors.Is(err, coord.ErrSessionClosed) {
				t.Errorf("queue stopped with %v", err)
			}
		})
	}
	return f
}

func (f *queueFixture) newQueue(session *coord.Session, timeout time.Duration) *Queue {
	t := f.t
	t.Helper()
	for _, p := range cluster.PersistentRoots {
		require.NoError(t, session.EnsurePath(p))
	}
	registry := newStartedRegistry(t, session)
	q, err := NewQueue(QueueConfig{
		Session:          session,
		Registry:         registry,
		Sources:          f.resolver(),
		OperationTimeout: timeout,
		DeployAttempts:   3,
		Metrics:          f.metrics,
		History:          f.history,
	})
	require.NoError(t, err)
	return q
}

func newStartedRegistry(t *testing.T, session *coord.Session) *coordinator.Registry {
	t.Helper()
	registry, err := coordinator.NewRegistry(coordinator.RegistryConfig{Session: session})
	require.NoError(t, err)
	require.NoError(t, registry.Start(context.Background()))
	t.Cleanup(registry.Stop)
	return registry
}

// registerNode registers name without an agent, advertising shards.
func (c *testCluster) registerNode(name string, state cluster.NodeState, shards ...string) *coord.Session {
	c.t.Helper()
	session := coordtest.Connect(c.t, c.server, name)
	raw, err := cluster.EncodeNode(cluster.Node{Name: name, State: state})
	require.NoError(c.t, err)
	require.NoError(c.t, session.Create(cluster.NodePath(name), raw, coord.Ephemeral))
	for _, s := range shards {
		require.NoError(c.t, session.Create(cluster.NodeShardPath(name, s), nil, coord.Ephemeral))
	}
	c.t.Cleanup(func() { session.Close() })
	return session
}

// deployedIndex writes an index that is already DEPLOYED with n shards.
func (c *testCluster) deployedIndex(name string, shards, replication int) cluster.Index {
	c.t.Helper()
	idx := cluster.Index{Name: name, Source: "mem://" + name, Replication: replication, State: cluster.IndexDeployed}
	for i := 0; i < shards; i++ {
		idx.Shards = append(idx.Shards, cluster.ShardMeta{Name: shardOf(name, i), Path: shardPath(name, i)})
	}
	c.mu.Lock()
	c.shards[name] = shards
	c.mu.Unlock()
	require.NoError(c.t, cluster.CreateIndex(c.admin, idx))
	return idx
}
