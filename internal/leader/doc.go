// Package leader implements the coordination engine that runs on the
// elected leader of a shardctl cluster: it deploys indices, keeps their
// shards replicated and removes them again, all through records in the
// coordination tree.
//
// # Overview
//
// Every coordinator process runs a Master. Masters campaign for the
// /cluster/leader election; the oldest candidate leads. While it leads, a
// Master runs one term: a fresh coordination session shared by three
// loops that together decide every change to shard placement. When the
// term ends, because the session expired, the election node vanished or
// the coordination service stayed unreachable longer than the grace
// window, the Master resigns, closes the session and campaigns again.
//
// The leader never talks to a worker node directly. It writes node
// operations into per-node work queues and reads results back, so a
// leader that dies mid-operation leaves everything its successor needs
// in the tree.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────┐
//	│                   leader.Master                  │
//	│        campaign ─► term ─► resign ─► campaign    │
//	├──────────────────────────────────────────────────┤
//	│                                                  │
//	│  ┌───────────────────┐    ┌───────────────────┐  │
//	│  │ coordinator.      │    │ Reconciler        │  │
//	│  │ Registry          │───►│ - change events   │  │
//	│  │ - live nodes      │    │ - periodic pass   │  │
//	│  │ - indices         │    │ - debounced check │  │
//	│  │ - assignments     │    └─────────┬─────────┘  │
//	│  └─────────▲─────────┘              │ Enqueue    │
//	│            │ Sync / read  ┌─────────▼─────────┐  │
//	│            └──────────────┤ Queue             │  │
//	│                           │ - admission       │  │
//	│                           │ - execute         │  │
//	│                           │ - dispatch        │  │
//	│                           │ - complete        │──┼─► History
//	│                           └─────────┬─────────┘  │
//	│                                     │            │
//	└─────────────────────────────────────┼────────────┘
//	                                      │
//	          /cluster/work/{node}/{id} ◄─┘─► /cluster/results/{id}
//
// # Core Components
//
// Master: one leadership candidate
//   - Connects a session per term and campaigns with coord.Election
//   - Ensures the persistent roots exist before leading
//   - Watches its own election node and steps down when it disappears
//   - Abdicates after Grace without the coordination service
//
// Queue: the persistent operation queue
//   - Stores every operation under /cluster/leader-ops/{key}; keys are
//     UUIDv7, so key order is enqueue order
//   - Admits one operation at a time against those already executing
//   - Writes node operations to work queues and collects their results
//   - Completes an operation once each node operation has a result, a
//     synthesized failure for a departed node, or a timeout
//   - Records every finished operation in the History, when one is set
//
// Reconciler: turns registry changes into queue work
//   - Node departures and returns go straight to the queue
//   - ANNOUNCED indices get a DeployIndex, UNDEPLOYING ones an
//     UndeployIndex
//   - Everything else triggers one debounced CheckIndices
//   - A periodic pass repeats the scan so no single missed event matters
//
// History: finished operations kept in a storage.Store
//
// # Operations
//
// Four operation kinds exist. Each one plans node operations in Execute
// and reacts to their outcomes in Complete:
//
//	CheckIndices   scans deployed indices, enqueues BalanceIndex where
//	               replication is off; no node operations
//	BalanceIndex   opens replicas of short shards on the least-loaded
//	               eligible nodes, closes surplus ones
//	DeployIndex    resolves shards, opens the first replicas, retries up
//	               to DeployAttempts and marks the index DEPLOYED or ERROR
//	UndeployIndex  closes every replica, then deletes the index records
//
// Admission decides what happens to a queued operation given the ones
// currently executing:
//
//	Execute         run it now
//	AddToQueueTail  move it behind everything else and try again later
//	Cancel          drop it; a later check re-creates it if still needed
//
// A deploy is cancelled by a running deploy or undeploy of the same
// index and waits for a balance; an undeploy waits for both; a balance
// is cancelled by anything else working on its index. Operations on
// different indices never block each other.
//
// # Failover
//
// A new leader calls Recover before running its queue. Executing
// operations are resumed: node operations whose work item or result is
// missing are re-issued, and results already written are kept. Node
// operations are idempotent on the worker side, so re-issuing one that
// already ran is harmless.
//
// A node whose registration vanishes is marked gone. Its unfinished node
// operations fail at once instead of waiting for the operation timeout,
// and the next check repairs what it hosted.
//
// # Concurrency Model
//
// Queue.Run is the only goroutine that executes and completes
// operations. Enqueue, Snapshot and the Has* queries may be called from
// any goroutine and only touch the entry map under the queue mutex. The
// Reconciler runs its own goroutine and talks to the queue through
// Enqueue. Operations receive a Context carrying the term's session,
// registry, clock, logger and metrics.
//
// # Metrics
//
// Metrics registers the leader's Prometheus collectors:
//   - shardctl_leader_is_leader: 1 while this process leads
//   - shardctl_leader_queue_depth, shardctl_leader_executing_operations
//   - shardctl_leader_operations_total{kind,outcome}
//   - shardctl_leader_node_operations_total{kind,outcome}
//   - shardctl_leader_operation_duration_seconds{kind}
//   - shardctl_leader_reconcile_passes_total
//   - shardctl_leader_under_replicated_indices and
//     shardctl_leader_over_replicated_indices
//
// # Configuration
//
//	OperationTimeout:  30s    // node operation deadline
//	ReconcileInterval: 10s    // periodic pass
//	Debounce:          250ms  // collapses bursts of changes
//	DeployAttempts:    3      // before an index goes to ERROR
//	Grace:             5s     // leadership without the service
//	Backoff:           1s     // between terms
//
// # Usage Example
//
//	master, err := leader.NewMaster(leader.MasterConfig{
//		Name:    "coord-a",
//		Server:  server,
//		History: history,
//		Logger:  logger,
//		Metrics: metrics,
//	})
//	if err != nil {
//		return err
//	}
//	go master.Run(ctx)
//
//	if master.IsLeader() {
//		for _, op := range master.Queue().Snapshot() {
//			fmt.Println(op.Key, op.Kind, op.Index, op.State)
//		}
//	}
//
// # Testing
//
// Tests run against a shared embedded etcd (coord/coordtest), each in its
// own namespace. Nodes in tests are worker.Agents over in-memory shard
// hosts, so a whole deploy runs in one process.
//
// # See Also
//
//   - internal/coord: sessions, subscriptions and the election
//   - internal/coordinator: the Registry the leader plans from
//   - internal/planner: replica placement
//   - internal/worker: the node side of the work queues
package leader
