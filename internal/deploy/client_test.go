package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coord/coordtest"
)

type fixture struct {
	server *coord.Server
	leader *coord.Session
	client *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := coordtest.NewServer(t)
	client, err := NewClient(Config{Session: coordtest.Connect(t, server, "client")})
	require.NoError(t, err)
	return &fixture{server: server, leader: coordtest.Connect(t, server, "leader"), client: client}
}

// transition plays the leader's part.
func (f *fixture) transition(t *testing.T, name string, fn func(*cluster.Index)) {
	t.Helper()
	_, err := cluster.UpdateIndex(f.leader, name, func(i *cluster.Index) error {
		fn(i)
		return nil
	})
	require.NoError(t, err)
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAddIndexResolvesWhenDeployed(t *testing.T) {
	f := newFixture(t)
	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/data/books", Replication: 2})
	require.NoError(t, err)
	defer future.Close()

	idx, err := f.client.Index("books")
	require.NoError(t, err)
	assert.Equal(t, cluster.IndexAnnounced, idx.State)
	assert.Equal(t, 2, idx.Replication)

	select {
	case <-future.Done():
		t.Fatal("future resolved before deployment")
	case <-time.After(20 * time.Millisecond):
	}

	f.transition(t, "books", func(i *cluster.Index) { i.State = cluster.IndexDeploying })
	f.transition(t, "books", func(i *cluster.Index) { i.State = cluster.IndexDeployed })

	idx, err = future.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, cluster.IndexDeployed, idx.State)
	assert.Equal(t, "books", future.Index())
}

func TestAddIndexReportsFailure(t *testing.T) {
	f := newFixture(t)
	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/data/books", Replication: 1})
	require.NoError(t, err)
	defer future.Close()

	f.transition(t, "books", func(i *cluster.Index) {
		i.State = cluster.IndexError
		i.Error = "no eligible nodes"
	})

	_, err = future.Wait(waitCtx(t))
	var failed *DeployFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "books", failed.Index)
	assert.Equal(t, "no eligible nodes", failed.Reason)
}

func TestAddIndexValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.AddIndex(IndexSpec{Name: "bad/name", Source: "/x", Replication: 1})
	assert.ErrorIs(t, err, cluster.ErrInvalidName)

	_, err = f.client.AddIndex(IndexSpec{Name: "books", Source: "/x", Replication: 0})
	assert.ErrorIs(t, err, ErrInvalidReplication)

	_, err = f.client.AddIndex(IndexSpec{Name: "books", Replication: 1})
	assert.ErrorIs(t, err, ErrMissingSource)

	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/x", Replication: 1})
	require.NoError(t, err)
	future.Close()
	_, err = f.client.AddIndex(IndexSpec{Name: "books", Source: "/y", Replication: 1})
	assert.ErrorIs(t, err, ErrIndexExists)
}

func TestRemoveIndex(t *testing.T) {
	f := newFixture(t)
	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/x", Replication: 1})
	require.NoError(t, err)
	future.Close()

	removal, err := f.client.RemoveIndex("books")
	require.NoError(t, err)
	defer removal.Close()

	idx, err := f.client.Index("books")
	require.NoError(t, err)
	assert.Equal(t, cluster.IndexUndeploying, idx.State)

	require.NoError(t, f.leader.Delete(cluster.IndexPath("books")))
	_, err = removal.Wait(waitCtx(t))
	require.NoError(t, err)

	_, err = f.client.RemoveIndex("books")
	assert.ErrorIs(t, err, cluster.ErrIndexNotFound)
}

func TestSetReplication(t *testing.T) {
	f := newFixture(t)
	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/x", Replication: 1})
	require.NoError(t, err)
	future.Close()

	idx, err := f.client.SetReplication("books", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Replication)

	_, err = f.client.SetReplication("books", 0)
	assert.ErrorIs(t, err, ErrInvalidReplication)

	f.transition(t, "books", func(i *cluster.Index) { i.State = cluster.IndexUndeploying })
	_, err = f.client.SetReplication("books", 2)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestRetryIndex(t *testing.T) {
	f := newFixture(t)
	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/x", Replication: 1})
	require.NoError(t, err)
	future.Close()

	_, err = f.client.RetryIndex("books")
	assert.ErrorIs(t, err, ErrWrongState, "only failed indices can be retried")

	f.transition(t, "books", func(i *cluster.Index) {
		i.State = cluster.IndexError
		i.Error = "boom"
		i.Attempt = 3
		i.Shards = []cluster.ShardMeta{{Name: "books#a", Path: "/x/a"}}
	})
	retry, err := f.client.RetryIndex("books")
	require.NoError(t, err)
	defer retry.Close()

	idx, err := f.client.Index("books")
	require.NoError(t, err)
	assert.Equal(t, cluster.IndexAnnounced, idx.State)
	assert.Empty(t, idx.Error)
	assert.Empty(t, idx.Shards)
	assert.Zero(t, idx.Attempt)

	f.transition(t, "books", func(i *cluster.Index) { i.State = cluster.IndexDeployed })
	_, err = retry.Wait(waitCtx(t))
	assert.NoError(t, err)
}

func TestIndicesAndNodes(t *testing.T) {
	f := newFixture(t)
	indices, err := f.client.Indices()
	require.NoError(t, err)
	assert.Empty(t, indices)

	for _, name := range []string{"films", "books"} {
		future, err := f.client.AddIndex(IndexSpec{Name: name, Source: "/x", Replication: 1})
		require.NoError(t, err)
		future.Close()
	}
	indices, err = f.client.Indices()
	require.NoError(t, err)
	require.Len(t, indices, 2)
	assert.Equal(t, "books", indices[0].Name)
	assert.Equal(t, "films", indices[1].Name)

	node := coordtest.Connect(t, f.server, "n1")
	raw, err := cluster.EncodeNode(cluster.Node{Name: "n1", Addr: "http://n1", State: cluster.NodeInService})
	require.NoError(t, err)
	require.NoError(t, node.Create(cluster.NodePath("n1"), raw, coord.Ephemeral))
	require.NoError(t, node.Create(cluster.NodeShardPath("n1", "books#b"), nil, coord.Ephemeral))
	require.NoError(t, node.Create(cluster.NodeShardPath("n1", "books#a"), nil, coord.Ephemeral))

	nodes, err := f.client.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "http://n1", nodes[0].Addr)
	assert.Equal(t, []string{"books#a", "books#b"}, nodes[0].Shards)
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/x", Replication: 1})
	require.NoError(t, err)
	defer future.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = future.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseResolvesFuture(t *testing.T) {
	f := newFixture(t)
	future, err := f.client.AddIndex(IndexSpec{Name: "books", Source: "/x", Replication: 1})
	require.NoError(t, err)

	future.Close()
	future.Close()
	_, err = future.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrFutureClosed)
}
