// Package coordtest runs package tests against one embedded etcd.
//
// Install Main from TestMain, then give every test its own namespace
// with NewServer:
//
//	func TestMain(m *testing.M) { coordtest.Main(m) }
//
//	func TestSomething(t *testing.T) {
//		server := coordtest.NewServer(t)
//		session := coordtest.Connect(t, server, "client")
//		...
//	}
package coordtest

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardctl/internal/coord"
)

var shared *coord.Embedded

// Main starts the shared etcd, runs the tests and exits.
func Main(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	dir, err := os.MkdirTemp("", "shardctl-etcd-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "coordtest:", err)
		return 1
	}
	defer os.RemoveAll(dir)

	e, err := Start(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "coordtest:", err)
		return 1
	}
	defer e.Close()
	shared = e
	return m.Run()
}

// Start launches an embedded etcd in dir on free local ports.
func Start(dir string) (*coord.Embedded, error) {
	client, err := FreeURL()
	if err != nil {
		return nil, err
	}
	peer, err := FreeURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return coord.StartEmbedded(ctx, coord.EmbedConfig{
		Dir:           dir,
		ClientURL:     client,
		PeerURL:       peer,
		UnsafeNoFsync: true,
	})
}

// FreeURL returns an http URL on a local port that was free a moment
// ago.
func FreeURL() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return "http://" + l.Addr().String(), nil
}

// Endpoints returns the shared etcd's client addresses.
func Endpoints(t testing.TB) []string {
	t.Helper()
	require.NotNil(t, shared, "coordtest.Main is not installed in TestMain")
	return shared.Endpoints()
}

// Namespace returns a namespace no other test uses.
func Namespace() string {
	return "/test-" + uuid.NewString()
}

// NewServer opens a handle on the shared etcd in a fresh namespace and
// closes it when the test ends.
func NewServer(t testing.TB) *coord.Server {
	t.Helper()
	return NewServerIn(t, Namespace())
}

// NewServerIn opens a handle on namespace ns, for tests that need
// several handles on the same tree.
func NewServerIn(t testing.TB, ns string) *coord.Server {
	t.Helper()
	server, err := coord.NewServer(coord.Config{
		Endpoints:  Endpoints(t),
		Namespace:  ns,
		SessionTTL: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

// Connect opens a session and fails the test if that is impossible.
func Connect(t testing.TB, server *coord.Server, name string) *coord.Session {
	t.Helper()
	session, err := server.Connect(name)
	require.NoError(t, err)
	return session
}
