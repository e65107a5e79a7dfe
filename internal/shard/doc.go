// Package shard implements the node side of the execution contract: the
// set of shard replicas a worker node currently serves.
//
// # Overview
//
// The leader never talks to the search layer directly. It sends a node
// two kinds of operation, open(shard, path) and close(shard), and Host
// carries them out against a Searcher. Both are idempotent: opening an
// open shard and closing an absent one succeed, so the leader can safely
// re-issue operations after a failover.
//
// # Architecture
//
//	   NodeOperation (open / close)
//	              │
//	┌─────────────▼─────────────────────────┐
//	│               Host                    │
//	│  ┌─────────────────────────────────┐  │
//	│  │ shards: name -> Shard           │  │
//	│  │   active | failed               │  │
//	│  └─────────────────────────────────┘  │
//	│  Execute ─► Open / Close ─► result    │
//	└─────────────┬─────────────────────────┘
//	              │ Searcher
//	     ┌────────┴────────┐
//	     ▼                 ▼
//	DirSearcher      MemorySearcher
//	(node process)   (tests)
//
// # Components
//
//   - Host: the shard set of one node; serializes open and close
//   - Searcher: loads and releases a shard's files
//   - DirSearcher: treats a readable directory as an open shard
//   - MemorySearcher: records opens in memory, with injectable failures
//
// # Shard States
//
//	active  the shard is open and serving; reported as hosted
//	failed  the last open failed; listed for diagnostics only
//
// A failed open leaves the shard in the failed state. Failed shards are
// listed but not reported as hosted, so the leader does not count them
// as replicas. Opening an active shard at a different path closes and
// reopens it.
//
// # Usage Example
//
//	host := shard.NewHost(shard.HostConfig{Searcher: shard.DirSearcher{}})
//	result := host.Execute(ctx, op)
//	if !result.Success {
//		logger.Warn("open failed", "shard", op.Shard, "error", result.Error)
//	}
//	hosted := host.Hosted()
//
// # See Also
//
//   - internal/worker: feeds work items to Host.Execute
//   - cmd/node: the process serving a Host over HTTP
package shard
