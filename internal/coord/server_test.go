package coord

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEtcd *Embedded

func TestMain(m *testing.M) {
	os.Exit(runWithEtcd(m))
}

func runWithEtcd(m *testing.M) int {
	dir, err := os.MkdirTemp("", "coord-etcd-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer os.RemoveAll(dir)
	testEtcd, err = startTestEtcd(dir, freeURL(), freeURL())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer testEtcd.Close()
	return m.Run()
}

func startTestEtcd(dir, clientURL, peerURL string) (*Embedded, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return StartEmbedded(ctx, EmbedConfig{Dir: dir, ClientURL: clientURL, PeerURL: peerURL, UnsafeNoFsync: true})
}

func freeURL() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer l.Close()
	return "http://" + l.Addr().String()
}

func openServer(t *testing.T, endpoints []string, ns string) *Server {
	t.Helper()
	server, err := NewServer(Config{Endpoints: endpoints, Namespace: ns, SessionTTL: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return openServer(t, testEtcd.Endpoints(), "/test-"+uuid.NewString())
}

func connect(t *testing.T, server *Server, name string) *Session {
	t.Helper()
	session, err := server.Connect(name)
	require.NoError(t, err)
	return session
}

func TestNewServerValidatesConfig(t *testing.T) {
	_, err := NewServer(Config{})
	assert.ErrorContains(t, err, "endpoints are required")

	_, err = NewServer(Config{Endpoints: testEtcd.Endpoints(), Namespace: "relative"})
	assert.ErrorContains(t, err, "namespace")

	_, err = NewServer(Config{Endpoints: testEtcd.Endpoints(), SessionTTL: time.Millisecond})
	assert.ErrorContains(t, err, "below one second")
}

func TestConnectAfterClose(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")
	require.NoError(t, server.Close())

	assert.True(t, session.Closed())
	_, err := server.Connect("late")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, server.Sessions())
}

func TestCreateAndGet(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")
	defer session.Close()

	require.NoError(t, session.Create("/cluster/indices/books", []byte("meta"), Persistent))

	data, stat, err := session.GetStat("/cluster/indices/books")
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), data)
	assert.Equal(t, int64(0), stat.Version)
	assert.Equal(t, Persistent, stat.Mode)

	ok, err := session.Exists("/cluster/indices")
	require.NoError(t, err)
	assert.True(t, ok, "ancestors are created")

	err = session.Create("/cluster/indices/books", nil, Persistent)
	assert.ErrorIs(t, err, ErrNodeExists)

	_, err = session.Get("/cluster/indices/missing")
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestInvalidPaths(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")

	for _, p := range []string{"", "relative", "/trailing/", "/double//slash", "/dot/../x"} {
		err := session.Create(p, nil, Persistent)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
	assert.ErrorIs(t, session.Delete("/"), ErrInvalidPath)
}

func TestSetIfVersion(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")

	require.NoError(t, session.Create("/n", []byte("v0"), Persistent))

	stat, err := session.SetIf("/n", []byte("v1"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Version)

	_, err = session.SetIf("/n", []byte("stale"), 0)
	assert.ErrorIs(t, err, ErrBadVersion)

	require.NoError(t, session.Set("/n", []byte("v2")))
	data, stat, err := session.GetStat("/n")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, int64(2), stat.Version)

	_, err = session.SetIf("/missing", nil, 0)
	assert.ErrorIs(t, err, ErrNoNode)
	assert.ErrorIs(t, session.Set("/missing", nil), ErrNoNode)
}

func TestSetKeepsEphemeralOwner(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")

	require.NoError(t, session.Create("/e", []byte("a"), Ephemeral))
	require.NoError(t, session.Set("/e", []byte("b")))

	_, stat, err := session.GetStat("/e")
	require.NoError(t, err)
	assert.Equal(t, Ephemeral, stat.Mode)
	assert.Equal(t, session.ID(), stat.Owner)
}

func TestChildrenSorted(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")

	for _, name := range []string{"c", "a", "b", "a-b"} {
		require.NoError(t, session.Create("/parent/"+name, nil, Persistent))
	}
	require.NoError(t, session.Create("/parent/a/grandchild", nil, Persistent))

	children, err := session.Children("/parent")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a-b", "b", "c"}, children)

	root, err := session.Children("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent"}, root)

	_, err = session.Children("/nope")
	assert.ErrorIs(t, err, ErrNoNode)

	require.NoError(t, session.Create("/leaf", nil, Persistent))
	leaf, err := session.Children("/leaf")
	require.NoError(t, err)
	assert.Empty(t, leaf)
}

func TestDeleteRecursive(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")

	require.NoError(t, session.Create("/a/b/c", nil, Persistent))
	require.NoError(t, session.Create("/a/d", nil, Persistent))
	require.NoError(t, session.Create("/ab", nil, Persistent))
	require.NoError(t, session.Delete("/a"))

	ok, err := session.Exists("/a/b/c")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = session.Exists("/ab")
	require.NoError(t, err)
	assert.True(t, ok, "siblings sharing a name prefix survive")

	assert.ErrorIs(t, session.Delete("/a"), ErrNoNode)
}

func TestEphemeralLifetime(t *testing.T) {
	server := newTestServer(t)
	observer := connect(t, server, "observer")
	worker := connect(t, server, "worker")

	require.NoError(t, worker.Create("/cluster/nodes/n1", []byte("meta"), Ephemeral))
	require.NoError(t, worker.Create("/cluster/nodes/n1/shards/books#0", nil, Ephemeral))

	_, stat, err := observer.GetStat("/cluster/nodes/n1/shards")
	require.NoError(t, err)
	assert.Equal(t, Ephemeral, stat.Mode, "intermediate below ephemeral inherits owner")
	assert.Equal(t, worker.ID(), stat.Owner)

	err = worker.Create("/cluster/nodes/n1/persistent", nil, Persistent)
	assert.ErrorIs(t, err, ErrEphemeralParent)

	require.NoError(t, worker.Close())
	assert.True(t, worker.Closed())

	children, err := observer.Children("/cluster/nodes")
	require.NoError(t, err)
	assert.Empty(t, children)

	_, err = worker.Get("/cluster/nodes")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, worker.Close(), "close is idempotent")
}

func TestLostLeaseExpiresSession(t *testing.T) {
	server := newTestServer(t)
	observer := connect(t, server, "observer")
	worker := connect(t, server, "worker")
	require.NoError(t, worker.Create("/cluster/nodes/n1", nil, Ephemeral))

	sub, err := worker.Subscribe("/cluster")
	require.NoError(t, err)

	_, err = server.client.Revoke(t.Context(), worker.lease())
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("session survived the loss of its lease")
	}
	assert.True(t, worker.Closed())

	ok, err := observer.Exists("/cluster/nodes/n1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAvailability(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")
	require.NoError(t, session.Create("/e", nil, Ephemeral))

	sub, err := session.Subscribe("/somewhere")
	require.NoError(t, err)

	server.SetAvailable(false)
	assert.False(t, server.Available())
	_, err = session.Get("/e")
	assert.ErrorIs(t, err, ErrUnavailable)

	server.SetAvailable(true)
	ok, err := session.Exists("/e")
	require.NoError(t, err)
	assert.True(t, ok, "ephemerals survive a disconnect")

	events := sub.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, EventDisconnected, events[0].Type)
	assert.Equal(t, EventReconnected, events[1].Type)
}

func TestHandlesShareTree(t *testing.T) {
	ns := "/test-" + uuid.NewString()
	first := openServer(t, testEtcd.Endpoints(), ns)
	second := openServer(t, testEtcd.Endpoints(), ns)

	worker := connect(t, first, "worker")
	observer := connect(t, second, "observer")

	require.NoError(t, observer.EnsurePath("/cluster/nodes"))
	sub, err := observer.Subscribe("/cluster/nodes")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, worker.Create("/cluster/nodes/n1", []byte("meta"), Ephemeral))
	data, stat, err := observer.GetStat("/cluster/nodes/n1")
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), data)
	assert.Equal(t, worker.ID(), stat.Owner)

	require.NoError(t, first.Close())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	var types []EventType
	for len(types) < 2 {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/cluster/nodes/n1", ev.Path)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventCreated, EventDeleted}, types)
	assert.Equal(t, 1, second.Sessions())
	assert.Equal(t, 0, first.Sessions())
}

func TestRestartKeepsPersistentNodes(t *testing.T) {
	dir := t.TempDir()
	clientURL, peerURL := freeURL(), freeURL()

	e, err := startTestEtcd(dir, clientURL, peerURL)
	require.NoError(t, err)
	server, err := NewServer(Config{Endpoints: e.Endpoints()})
	require.NoError(t, err)
	session, err := server.Connect("client")
	require.NoError(t, err)
	require.NoError(t, session.Create("/cluster/indices/books", []byte("meta"), Persistent))
	require.NoError(t, session.Set("/cluster/indices/books", []byte("meta2")))
	require.NoError(t, session.Create("/cluster/leader", []byte("client"), Ephemeral))
	require.NoError(t, server.Close())
	e.Close()

	e, err = startTestEtcd(dir, clientURL, peerURL)
	require.NoError(t, err)
	defer e.Close()
	restarted := openServer(t, e.Endpoints(), "/shardctl")
	reader := connect(t, restarted, "reader")

	data, stat, err := reader.GetStat("/cluster/indices/books")
	require.NoError(t, err)
	assert.Equal(t, []byte("meta2"), data)
	assert.Equal(t, int64(1), stat.Version)

	ok, err := reader.Exists("/cluster/leader")
	require.NoError(t, err)
	assert.False(t, ok, "ephemerals end with their session")
}

func TestSubscriptionEvents(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")

	sub, err := session.Subscribe("/cluster/leader")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, session.Create("/cluster/leader-ops/x", nil, Persistent))
	require.NoError(t, session.Create("/cluster/leader", nil, Ephemeral))
	require.NoError(t, session.Set("/cluster/leader", []byte("x")))
	require.NoError(t, session.Delete("/cluster/leader"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []Event
	for i := 0; i < 3; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		events = append(events, ev)
	}
	assert.Equal(t, []Event{
		{Type: EventCreated, Path: "/cluster/leader"},
		{Type: EventChanged, Path: "/cluster/leader", Version: 1},
		{Type: EventDeleted, Path: "/cluster/leader"},
	}, events)
	assert.Empty(t, sub.Drain(), "sibling prefix is not matched")
}

func TestSubscriptionOverflowCollapses(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")
	require.NoError(t, session.Create("/n", nil, Persistent))

	sub, err := session.Subscribe("/n")
	require.NoError(t, err)

	for i := 0; i < maxPending+10; i++ {
		require.NoError(t, session.Set("/n", []byte{byte(i)}))
	}
	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.overflowed
	}, 10*time.Second, 10*time.Millisecond)

	events := sub.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventOverflow, events[0].Type)

	require.NoError(t, session.Set("/n", nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventChanged, ev.Type)
}

func TestSubscriptionClosedWithSession(t *testing.T) {
	server := newTestServer(t)
	session := connect(t, server, "client")
	sub, err := session.Subscribe("/")
	require.NoError(t, err)

	require.NoError(t, session.Close())

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed with session")
	}
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	_, err = session.Subscribe("/")
	assert.ErrorIs(t, err, ErrSessionClosed)
}
