// Package coord implements the coordination service the cluster manager
// is built on: a hierarchical namespace of small nodes kept in etcd and
// shared by the leader candidates, the worker agents and the deploy
// clients of every process in the cluster.
//
// # Overview
//
// Each process opens a Server, a handle on one etcd namespace, and one or
// more Sessions through it. A session owns an etcd lease that is kept
// alive in the background. Nodes are either Persistent, plain keys that
// survive their creator and any restart of etcd, or Ephemeral, keys
// attached to the creating session's lease and deleted by etcd when the
// session closes or its lease expires.
//
// Liveness is therefore expressed by existence: a worker is alive exactly
// as long as its ephemeral registration node is present, and a leader
// leads exactly as long as its candidate node is the oldest one under the
// election path.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                 coord.Server                  │
//	│   namespace "/shardctl", one etcd client      │
//	├───────────────────────────────────────────────┤
//	│                                               │
//	│  ┌─────────────────┐   ┌───────────────────┐  │
//	│  │ Session         │   │ Subscription      │  │
//	│  │ - lease + TTL   │   │ - prefix watch    │  │
//	│  │ - keep-alive    │   │ - ordered buffer  │  │
//	│  │ - tree calls    │   │ - overflow        │  │
//	│  └─────────────────┘   └───────────────────┘  │
//	│                                               │
//	│  ┌─────────────────┐   ┌───────────────────┐  │
//	│  │ Election        │   │ Availability      │  │
//	│  │ - candidates    │   │ - gRPC conn state │  │
//	│  │ - oldest leads  │   │ - simulated gate  │  │
//	│  └─────────────────┘   └───────────────────┘  │
//	│                                               │
//	└───────────────────────┬───────────────────────┘
//	                        │ gRPC
//	              ┌─────────▼─────────┐
//	              │  etcd (external   │
//	              │  or Embedded)     │
//	              └───────────────────┘
//
// # Key Layout
//
// A node at path p is stored under the key namespace+p. Parents are real
// keys: Create writes every missing ancestor in the same transaction as
// the node, so Exists, Children and Delete never have to infer structure.
//
//	/shardctl/cluster                     ""            persistent
//	/shardctl/cluster/nodes               ""            persistent
//	/shardctl/cluster/nodes/n1            NodeMeta      lease 0x6f2a
//	/shardctl/cluster/nodes/n1/shards     ""            lease 0x6f2a
//	/shardctl/cluster/leader/6f2a...      "coord-a"     lease 0x6f2a
//
// Ancestors created below an ephemeral node share its lease; a persistent
// node below an ephemeral one is rejected with ErrEphemeralParent.
//
// Stat.Version counts updates from zero. SetIf compares it inside an etcd
// transaction, which gives the optimistic concurrency the leader relies on
// for index metadata.
//
// # Subscriptions
//
// Clients watch the tree through Subscriptions instead of one-shot
// callbacks. A subscription is an etcd prefix watch started at the
// revision current when Subscribe returns, so nothing committed after
// that is missed. Events are buffered in revision order; a subscriber
// that falls more than 1024 events behind, or whose watch start was
// compacted away, receives one EventOverflow and must re-read what it
// watches. Broken watches are re-established from the last delivered
// revision.
//
// # Availability
//
// Available reports whether tree calls can currently succeed. It turns
// false when the gRPC connection to etcd fails, and returns once the
// connection is ready again; every subscription of the handle sees
// EventDisconnected and EventReconnected around the outage. Transport
// errors, lost quorum and timeouts surface as ErrUnavailable.
//
// SetAvailable(false) closes the same gate on purpose. Tests use it to
// partition one handle from the service: calls fail with ErrUnavailable
// while leases keep being renewed, so sessions and ephemeral nodes
// survive until the session is closed.
//
// # Elections
//
// Election wraps the etcd concurrency election. Every candidate holds an
// ephemeral node under the election path whose payload is its session
// name; the oldest candidate leads and the others wait for it to vanish.
// Because the candidates live in etcd, coordinator processes on
// different hosts compete for the same leadership.
//
// # Single-Binary Mode
//
// StartEmbedded runs a one-member etcd inside the process. A coordinator
// started without external endpoints uses it, and further coordinators
// can join the election by pointing their endpoints at it. Tests use the
// same entry point through package coordtest.
//
// # Usage Example
//
//	server, err := coord.NewServer(coord.Config{
//		Endpoints: []string{"127.0.0.1:2379"},
//		Logger:    logger,
//	})
//	if err != nil {
//		return err
//	}
//	defer server.Close()
//
//	session, err := server.Connect("node-1")
//	if err != nil {
//		return err
//	}
//	defer session.Close()
//
//	err = session.Create("/cluster/nodes/node-1", meta, coord.Ephemeral)
//
// # See Also
//
//   - internal/coord/coordtest: shared embedded etcd for package tests
//   - internal/cluster: the paths and records stored in the tree
//   - internal/leader: the election and queue built on sessions
package coord
