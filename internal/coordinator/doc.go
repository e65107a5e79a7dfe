// Package coordinator holds the coordinator-side views of the cluster:
// the Registry the leader plans from, and the HealthMonitor that watches
// worker processes registered over HTTP.
//
// # Overview
//
// Nothing in this package writes placement decisions. The Registry is a
// read model of the coordination tree, rebuilt from subscriptions and
// diffed into change events; the HealthMonitor decides when a remote
// worker process is gone. The leader package consumes both.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────┐
//	│                  coordination tree               │
//	│   /cluster/nodes   /cluster/indices              │
//	│   /cluster/shard-to-node                         │
//	└────────┬─────────────────┬──────────────┬────────┘
//	         │ Subscription    │              │
//	┌────────▼─────────────────▼──────────────▼────────┐
//	│                    Registry                      │
//	│  ┌────────────────┐   ┌────────────────────────┐ │
//	│  │ snapshot       │   │ diff ─► Change events  │ │
//	│  │ - nodes        │──►│ NodeAdded/Removed      │ │
//	│  │ - indices      │   │ IndexChanged/Removed   │ │
//	│  │ - assignments  │   │ ReplicaSetChanged ...  │ │
//	│  └────────────────┘   └───────────┬────────────┘ │
//	└───────────────────────────────────┼──────────────┘
//	                                    ▼
//	                          leader.Reconciler
//
//	┌──────────────────────────────────────────────────┐
//	│                  HealthMonitor                   │
//	│   every Interval: GET {addr}/health per node     │
//	│   MaxFailures in a row ─► onUnhealthy(nodeID)    │
//	└──────────────────────────────────────────────────┘
//
// # Registry
//
// The Registry caches membership and index metadata read from the
// coordination tree:
//
//   - live nodes: every /cluster/nodes/{node} registration, with the
//     shards listed under the node's own ephemeral shards/ children
//   - indices: every /cluster/indices/{index} record
//   - assignments: the leader's /cluster/shard-to-node records
//
// A shard's replica set is the set of live nodes that report hosting it.
// Nodes that have died vanish with their session, so replica sets never
// contain dead nodes and no separate pruning pass is needed.
//
// The Registry subscribes to the three subtrees and reloads after every
// batch of events. Each reload is diffed against the previous one and
// the differences are published to subscribers:
//
//	changes, cancel := registry.Subscribe()
//	defer cancel()
//	for change := range changes {
//		switch change.Kind {
//		case coordinator.NodeRemoved:
//			...
//		}
//	}
//
// Sync forces a synchronous reload; leader operations call it before
// planning, so a plan never works from a snapshot older than the
// operation.
//
// # Reads
//
// All reads are served from the current snapshot:
//
//	LiveNodes          nodes sorted by name, with their hosted shards
//	LiveNodeNames      just the names
//	Indices            index names
//	ReadIndexMetadata  one index, or ErrIndexNotFound
//	ShardReplicaSet    live nodes reporting a shard
//	Assignments        the leader's record for a shard
//	AssignedShards     shards with any assignment record
//	NodeLoad           replicas a node hosts across indices
//
// Snapshots are immutable once published, so readers never block the
// watch loop and never observe a half-applied reload.
//
// # Availability
//
// When the coordination connection drops the Registry keeps serving the
// last snapshot for a grace window. After that, reads fail with
// ErrRegistryUnavailable until the connection returns and a reload
// succeeds. Every batch of events, an overflow included, triggers a full
// reload rather than incremental patching, so missed events cannot leave
// the snapshot stale.
//
// # Health Monitoring
//
// Worker processes that register over HTTP are represented in the tree
// by a session the coordinator holds for them. HealthMonitor probes each
// process's /health endpoint and, after MaxFailures consecutive
// failures, invokes the unhealthy callback. The coordinator closes the
// node's session there, which removes its registration exactly as a
// crashed in-process worker would.
//
// Node health states:
//
//	unknown   ─► healthy    first successful probe
//	healthy   ─► unhealthy  MaxFailures failed probes in a row
//	unhealthy ─► healthy    a later successful probe
//
// A round probes the nodes one after another, each probe bounded by
// Timeout. A node removed from the provider's list is forgotten at the
// end of the next round.
//
// # Concurrency Model
//
// The Registry runs one watch goroutine per Start. Loads are serialized so
// changes are published in order, and a finished snapshot is swapped in
// under a read-write mutex. Subscribers receive changes on buffered
// channels; one that stops reading loses changes rather than stalling
// the registry. HealthMonitor state is guarded by a mutex and the
// unhealthy callback runs on its own goroutine.
//
// # Configuration
//
//	RegistryConfig.Grace:           5s   // stale reads after a disconnect
//	HealthMonitorConfig.Interval:   5s   // probe period
//	HealthMonitorConfig.Timeout:    2s   // per probe
//	HealthMonitorConfig.MaxFailures: 3   // before eviction
//
// # Usage Example
//
//	registry, err := coordinator.NewRegistry(coordinator.RegistryConfig{
//		Session: session,
//		Logger:  logger,
//	})
//	if err != nil {
//		return err
//	}
//	if err := registry.Start(ctx); err != nil {
//		return err
//	}
//	defer registry.Stop()
//
//	nodes, err := registry.LiveNodes()
//
//	monitor := coordinator.NewHealthMonitor(coordinator.HealthMonitorConfig{})
//	monitor.SetOnUnhealthy(evict)
//	go monitor.Start(ctx, listRegisteredNodes)
//
// # Testing
//
// Registry tests run against the shared embedded etcd from
// coord/coordtest with a fake clock for the grace window; health monitor
// tests use a CheckFunc instead of HTTP.
//
// # See Also
//
//   - internal/cluster: paths and records the Registry reads
//   - internal/leader: the Reconciler consuming Change events
//   - cmd/coordinator: wiring of the HealthMonitor to node sessions
package coordinator
