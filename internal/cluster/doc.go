// Package cluster defines the shared vocabulary of the cluster manager:
// the records stored in the coordination tree, the tree layout itself,
// and the small HTTP helpers worker processes and the coordinator use to
// talk to each other.
//
// # Overview
//
// Every other package speaks in terms defined here. The leader plans
// with Index and Node records, workers execute NodeOperations and answer
// with OperationResults, and deploy clients create and watch Index
// records. None of them agree on anything except through the paths and
// payloads below, so this package holds no state of its own.
//
// # Architecture
//
//	┌────────────────┐      ┌────────────────┐      ┌────────────────┐
//	│ deploy.Client  │      │ leader.Queue   │      │ worker.Agent   │
//	│ Index records  │      │ Index, Node,   │      │ Node, work,    │
//	│                │      │ work, results  │      │ results        │
//	└───────┬────────┘      └───────┬────────┘      └───────┬────────┘
//	        │                       │                       │
//	        └───────────────┬───────┴───────────────────────┘
//	                        ▼
//	┌──────────────────────────────────────────────────────────────────┐
//	│                 package cluster                                  │
//	│  paths.go   tree layout           model.go  records and states  │
//	│  meta.go    read/update helpers   types.go  HTTP helpers        │
//	└───────────────────────────┬──────────────────────────────────────┘
//	                            ▼
//	                  coord.Session (etcd)
//
// # Coordination Layout
//
//	/cluster/nodes/{node}                  ephemeral  Node
//	/cluster/nodes/{node}/shards/{shard}   ephemeral  (empty)
//	/cluster/indices/{index}               persistent Index
//	/cluster/shard-to-node/{shard}/{node}  persistent (empty)
//	/cluster/leader/{candidate}            ephemeral  candidate name
//	/cluster/leader-ops/{key}              persistent leader operation record
//	/cluster/work/{node}/{id}              persistent NodeOperation
//	/cluster/results/{id}                  persistent OperationResult
//
// A node is live while its registration exists. The shards it hosts are
// the ephemeral children it maintains itself, so a crashed node's
// replicas disappear with its session. shard-to-node is the leader's own
// record of where it placed replicas; the leader reconciles it against
// what nodes actually report.
//
// Every leadership candidate holds one ephemeral child of /cluster/leader
// bound to its session. The oldest child leads; when its session ends
// the next one takes over.
//
// The leader creates PersistentRoots when it takes office. Node
// registrations are created by the nodes themselves.
//
// # Records
//
// Records are CBOR encoded through package codec:
//
//   - Node: name, address, service state and start time. Shards is
//     filled by readers from the shards/ children, never stored.
//   - Index: source, analyzer, replication level, lifecycle state, the
//     resolved shard list, the last error and the deploy attempt.
//   - NodeOperation: an open or close of one shard on one node.
//   - OperationResult: the node's answer, success or a reason.
//
// A failed OperationResult converts to a *NodeOperationError through Err.
//
// # Node States
//
//	STARTING    registered, not yet accepting replicas
//	IN_SERVICE  eligible for new replicas
//	DRAINING    keeps what it hosts, receives nothing new
//
// Only IN_SERVICE nodes are Eligible. A draining node still counts as a
// replica holder while its shards stay registered.
//
// # Index Lifecycle
//
//	ANNOUNCED -> DEPLOYING -> DEPLOYED
//	                       \-> ERROR
//	any state -> UNDEPLOYING -> (removed)
//
// ERROR is terminal until the index is retried (re-announced) or
// undeployed. Index metadata is always updated through UpdateIndex,
// which re-reads and retries on a version conflict, so concurrent
// writers (leader and clients) never lose each other's changes.
//
//	idx, err := cluster.UpdateIndex(session, "books", func(i *cluster.Index) error {
//		i.State = cluster.IndexUndeploying
//		return nil
//	})
//
// # Shard Names
//
// A shard is named "<index>#<dir>" where dir is the entry of the index
// source directory holding the shard's files. Index names may not
// contain '#' (see ValidateName), so IndexOfShard is unambiguous.
//
//	cluster.ShardName("books", "shard-0")   // "books#shard-0"
//	cluster.IndexOfShard("books#shard-0")   // "books"
//
// # HTTP Helpers
//
// Worker processes that live outside the coordinator register over HTTP
// with a NodeInfo. PostJSON, GetJSON and RequestJSON wrap a shared
// http.Client with a five second timeout. Non-2xx responses return
// *StatusError.
//
// # See Also
//
//   - internal/coord: the tree these paths live in
//   - internal/codec: the record encoding
//   - internal/leader: the only writer of shard-to-node and work items
package cluster
