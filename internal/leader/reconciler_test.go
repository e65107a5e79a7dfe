package leader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coordinator"
)

func newTestReconciler(t *testing.T, f *queueFixture) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerConfig{Registry: f.queue.registry, Queue: f.queue})
	require.NoError(t, err)
	return r
}

func TestReconcilerDeduplicatesChecks(t *testing.T) {
	f := newQueueFixture(t, time.Minute, false)
	r := newTestReconciler(t, f)

	r.check()
	r.check()
	r.check()

	assert.Equal(t, 1, f.queue.Len())
	assert.True(t, f.queue.HasQueued(KindCheckIndices, ""))
}

func TestReconcilerLifecycle(t *testing.T) {
	f := newQueueFixture(t, time.Minute, false)
	f.addIndex("books", 1, 1)
	f.deployedIndex("films", 1, 1)
	f.addIndex("music", 1, 1)
	f.updateIndex("music", func(i *cluster.Index) { i.State = cluster.IndexUndeploying })
	require.NoError(t, f.queue.registry.Sync(context.Background()))

	r := newTestReconciler(t, f)
	r.pass()
	r.pass()

	kinds := map[string]Kind{}
	for _, s := range f.queue.Snapshot() {
		if s.Index != "" {
			kinds[s.Index] = s.Kind
		}
	}
	assert.Equal(t, map[string]Kind{"books": KindDeployIndex, "music": KindUndeployIndex}, kinds)
	assert.Equal(t, 3, f.queue.Len(), "one deploy, one undeploy, one check")
}

func TestReconcilerHandlesNodeChanges(t *testing.T) {
	f := newQueueFixture(t, time.Minute, false)
	r := newTestReconciler(t, f)

	r.handle(coordinator.Change{Kind: coordinator.NodeRemoved, Node: "n1"})
	assert.True(t, f.queue.isGone("n1"))
	r.handle(coordinator.Change{Kind: coordinator.NodeAdded, Node: "n1"})
	assert.False(t, f.queue.isGone("n1"))
}

func TestCheckIndicesQueuesBalance(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t, time.Minute, false)
	idx := f.deployedIndex("books", 2, 2)
	films := f.deployedIndex("films", 1, 1)
	f.registerNode("n1", cluster.NodeInService, idx.ShardNames()...)
	f.registerNode("n2", cluster.NodeInService, films.ShardNames()...)

	check := &CheckIndices{}
	_, err := check.Execute(ctx, f.queue.lc)
	require.NoError(t, err)
	_, err = check.Execute(ctx, f.queue.lc)
	require.NoError(t, err)

	assert.True(t, f.queue.HasPending(KindBalanceIndex, "books"))
	assert.False(t, f.queue.HasPending(KindBalanceIndex, "films"))
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ReconcilePasses))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnderReplicated))
}

// A draining node is live but cannot take replicas, so it gives the
// cluster no capacity to repair an under-replicated index.
func TestCheckIndicesIgnoresDrainingCapacity(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t, time.Minute, false)
	idx := f.deployedIndex("books", 2, 2)
	f.registerNode("n1", cluster.NodeInService, idx.ShardNames()...)
	f.registerNode("n2", cluster.NodeDraining)

	_, err := (&CheckIndices{}).Execute(ctx, f.queue.lc)
	require.NoError(t, err)

	assert.False(t, f.queue.HasPending(KindBalanceIndex, "books"))
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.UnderReplicated))

	f.registerNode("n3", cluster.NodeInService)
	_, err = (&CheckIndices{}).Execute(ctx, f.queue.lc)
	require.NoError(t, err)
	assert.True(t, f.queue.HasPending(KindBalanceIndex, "books"), "a second eligible node makes it repairable")
}

func TestBalancePrunesAndAdoptsAssignments(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t, time.Minute, false)
	idx := f.deployedIndex("books", 1, 1)
	shard := idx.ShardNames()[0]
	f.registerNode("n1", cluster.NodeInService, shard)
	require.NoError(t, f.queue.lc.assign(shard, "gone"))

	ops, err := (&BalanceIndex{Name: "books"}).Execute(ctx, f.queue.lc)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, []string{"n1"}, f.assignments(shard))
}

func TestBalancePlansOpensAndCloses(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t, time.Minute, false)
	idx := f.deployedIndex("books", 2, 1)
	f.registerNode("n1", cluster.NodeInService, idx.ShardNames()...)
	f.registerNode("n2", cluster.NodeInService, idx.ShardNames()[0])
	f.registerNode("n3", cluster.NodeDraining)

	ops, err := (&BalanceIndex{Name: "books"}).Execute(ctx, f.queue.lc)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, cluster.OpCloseShard, ops[0].Kind)
	assert.Equal(t, idx.ShardNames()[0], ops[0].Shard)
	assert.Equal(t, "n1", ops[0].Node, "the more loaded replica goes")
}

func TestDirResolver(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"shard-b", "shard-a", ".hidden", "_tmp"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644))

	shards, err := DirResolver{}.Shards(context.Background(), cluster.Index{Name: "books", Source: "file://" + dir})
	require.NoError(t, err)
	assert.Equal(t, []cluster.ShardMeta{
		{Name: "books#shard-a", Path: filepath.Join(dir, "shard-a")},
		{Name: "books#shard-b", Path: filepath.Join(dir, "shard-b")},
	}, shards)

	_, err = DirResolver{}.Shards(context.Background(), cluster.Index{Name: "books", Source: filepath.Join(dir, "README")})
	assert.ErrorIs(t, err, ErrSourceNotDirectory)

	_, err = DirResolver{}.Shards(context.Background(), cluster.Index{Name: "books", Source: filepath.Join(dir, "missing")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics()
	m.MustRegister(reg)
	m.Operations.WithLabelValues(string(KindCheckIndices), "executed").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["shardctl_leader_operations_total"])
	assert.True(t, names["shardctl_leader_queue_depth"])
}
