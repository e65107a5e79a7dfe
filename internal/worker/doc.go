// Package worker connects a node to the leader: it registers the node in
// the coordination tree, consumes the node's work queue and reports
// results. The actual open/close work is delegated to an Executor.
//
// # Work Queue Protocol
//
//	leader                         Agent
//	  │ /cluster/work/{node}/{id}    │
//	  ├─────────────────────────────►│ Execute
//	  │                              │ advertise / withdraw shard
//	  │ /cluster/results/{id}        │
//	  │◄─────────────────────────────┤ then delete the work item
//
// An Agent registers as STARTING, advertises what its Inventory reports,
// then switches to IN_SERVICE. Items are processed in key order. A
// successful open adds an ephemeral child under the node's shards/ path
// and a close removes it; when that update fails the result is turned
// into a failure so the leader retries.
//
// The coordinator runs one Agent per worker process registered over
// HTTP, with an HTTPExecutor forwarding operations to that process. A
// shard.Host satisfies Executor as well and can run in process.
package worker
