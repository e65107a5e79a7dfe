package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coord/coordtest"
	"github.com/dreamware/shardctl/internal/shard"
)

type fixture struct {
	server   *coord.Server
	observer *coord.Session
	session  *coord.Session
	searcher *shard.MemorySearcher
	host     *shard.Host
	agent    *Agent
	cancel   context.CancelFunc
	done     chan error
}

func startAgent(t *testing.T, inventory InventoryFunc) *fixture {
	t.Helper()
	server := coordtest.NewServer(t)

	var err error
	f := &fixture{
		server:   server,
		observer: coordtest.Connect(t, server, "observer"),
		session:  coordtest.Connect(t, server, "n1"),
		searcher: shard.NewMemorySearcher(),
		done:     make(chan error, 1),
	}
	f.host = shard.NewHost(shard.HostConfig{Searcher: f.searcher})
	f.agent, err = NewAgent(AgentConfig{
		Name:      "n1",
		Addr:      "http://n1",
		Session:   f.session,
		Executor:  f.host,
		Inventory: inventory,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	require.Eventually(t, func() bool {
		node, err := cluster.ReadNode(f.observer, "n1")
		return err == nil && node.State == cluster.NodeInService
	}, 2*time.Second, 5*time.Millisecond)
	return f
}

func (f *fixture) submit(t *testing.T, op cluster.NodeOperation) {
	t.Helper()
	raw, err := cluster.EncodeOperation(op)
	require.NoError(t, err)
	require.NoError(t, f.observer.Create(cluster.WorkItemPath(op.Node, op.ID), raw, coord.Persistent))
}

func (f *fixture) awaitResult(t *testing.T, id string) cluster.OperationResult {
	t.Helper()
	var result cluster.OperationResult
	require.Eventually(t, func() bool {
		raw, err := f.observer.Get(cluster.ResultPath(id))
		if err != nil {
			return false
		}
		result, err = cluster.DecodeResult(raw)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return result
}

// TestAgentRegisters verifies the node appears in service with its address.
func TestAgentRegisters(t *testing.T) {
	f := startAgent(t, nil)

	node, err := cluster.ReadNode(f.observer, "n1")
	require.NoError(t, err)
	assert.Equal(t, "http://n1", node.Addr)
	assert.Equal(t, cluster.NodeInService, f.agent.State())

	_, stat, err := f.observer.GetStat(cluster.NodePath("n1"))
	require.NoError(t, err)
	assert.Equal(t, coord.Ephemeral, stat.Mode)
}

// TestAgentOpensAndCloses verifies work items are executed in order, shard
// children follow the host and consumed items are removed.
func TestAgentOpensAndCloses(t *testing.T) {
	f := startAgent(t, nil)

	f.submit(t, cluster.NodeOperation{ID: "0001", Node: "n1", Kind: cluster.OpOpenShard, Index: "books", Shard: "books#a", Path: "/a"})
	result := f.awaitResult(t, "0001")
	assert.True(t, result.Success, result.Error)
	assert.True(t, f.searcher.IsOpen("books#a"))

	ok, err := f.observer.Exists(cluster.NodeShardPath("n1", "books#a"))
	require.NoError(t, err)
	assert.True(t, ok)

	items, err := f.observer.Children(cluster.WorkQueuePath("n1"))
	require.NoError(t, err)
	assert.Empty(t, items)

	f.submit(t, cluster.NodeOperation{ID: "0002", Node: "n1", Kind: cluster.OpCloseShard, Index: "books", Shard: "books#a"})
	result = f.awaitResult(t, "0002")
	assert.True(t, result.Success, result.Error)

	ok, err = f.observer.Exists(cluster.NodeShardPath("n1", "books#a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestAgentReportsFailure verifies a failed open yields a failed result and
// no shard child.
func TestAgentReportsFailure(t *testing.T) {
	f := startAgent(t, nil)
	f.searcher.SetFailure("/broken", errors.New("corrupt"))

	f.submit(t, cluster.NodeOperation{ID: "0001", Node: "n1", Kind: cluster.OpOpenShard, Shard: "books#a", Path: "/broken"})
	result := f.awaitResult(t, "0001")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "corrupt")

	ok, err := f.observer.Exists(cluster.NodeShardPath("n1", "books#a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestAgentInventory verifies pre-existing shards are advertised at start.
func TestAgentInventory(t *testing.T) {
	f := startAgent(t, func(context.Context) ([]string, error) {
		return []string{"books#a", "books#b"}, nil
	})

	shards, err := f.observer.Children(cluster.NodeShardsPath("n1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"books#a", "books#b"}, shards)
}

// TestAgentSessionClose verifies the registration and shard children vanish
// with the session and Run returns.
func TestAgentSessionClose(t *testing.T) {
	f := startAgent(t, nil)
	f.submit(t, cluster.NodeOperation{ID: "0001", Node: "n1", Kind: cluster.OpOpenShard, Shard: "books#a", Path: "/a"})
	f.awaitResult(t, "0001")

	require.NoError(t, f.session.Close())

	select {
	case err := <-f.done:
		assert.NoError(t, err)
		f.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop after session close")
	}

	ok, err := f.observer.Exists(cluster.NodePath("n1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestAgentSurvivesUnavailability verifies queued work is processed after
// the coordination service comes back.
func TestAgentSurvivesUnavailability(t *testing.T) {
	f := startAgent(t, nil)

	f.server.SetAvailable(false)
	time.Sleep(20 * time.Millisecond)
	f.server.SetAvailable(true)

	f.submit(t, cluster.NodeOperation{ID: "0001", Node: "n1", Kind: cluster.OpOpenShard, Shard: "books#a", Path: "/a"})
	result := f.awaitResult(t, "0001")
	assert.True(t, result.Success)
}

// TestAgentDraining verifies SetState is published.
func TestAgentDraining(t *testing.T) {
	f := startAgent(t, nil)
	require.NoError(t, f.agent.SetState(cluster.NodeDraining))

	node, err := cluster.ReadNode(f.observer, "n1")
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeDraining, node.State)
}

func TestNewAgentValidation(t *testing.T) {
	server := coordtest.NewServer(t)
	session := coordtest.Connect(t, server, "x")
	exec := ExecutorFunc(func(_ context.Context, op cluster.NodeOperation) cluster.OperationResult {
		return cluster.Succeeded(op, time.Now())
	})

	_, err := NewAgent(AgentConfig{Name: "bad/name", Session: session, Executor: exec})
	assert.Error(t, err)
	_, err = NewAgent(AgentConfig{Name: "n1", Executor: exec})
	assert.Error(t, err)
	_, err = NewAgent(AgentConfig{Name: "n1", Session: session})
	assert.Error(t, err)
}

// TestHTTPExecutor verifies operations are forwarded and transport
// failures become failed results.
func TestHTTPExecutor(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/operations":
			var op cluster.NodeOperation
			require.NoError(t, json.NewDecoder(r.Body).Decode(&op))
			json.NewEncoder(w).Encode(cluster.Succeeded(op, time.Now()))
		case "/info":
			json.NewEncoder(w).Encode(NodeStatus{ID: "n1", Shards: []string{"books#a"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer node.Close()

	exec := HTTPExecutor{Addr: node.URL + "/"}
	op := cluster.NodeOperation{ID: "x1", Node: "n1", Kind: cluster.OpOpenShard, Shard: "books#a", Path: "/a"}

	result := exec.Execute(context.Background(), op)
	assert.True(t, result.Success)
	assert.Equal(t, "x1", result.ID)

	hosted, err := exec.Hosted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"books#a"}, hosted)

	down := HTTPExecutor{Addr: "http://127.0.0.1:1"}
	result = down.Execute(context.Background(), op)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}
