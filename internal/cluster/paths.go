package cluster

import "path"

// Coordination tree layout. Node registrations, their shard children and
// the leader candidates are ephemeral; everything else is persistent.
const (
	RootPath        = "/cluster"
	NodesPath       = RootPath + "/nodes"
	IndicesPath     = RootPath + "/indices"
	ShardToNodePath = RootPath + "/shard-to-node"
	LeaderPath      = RootPath + "/leader"
	LeaderOpsPath   = RootPath + "/leader-ops"
	WorkPath        = RootPath + "/work"
	ResultsPath     = RootPath + "/results"
)

func NodePath(node string) string { return path.Join(NodesPath, node) }

func NodeShardsPath(node string) string { return path.Join(NodesPath, node, "shards") }

func NodeShardPath(node, shard string) string { return path.Join(NodesPath, node, "shards", shard) }

func IndexPath(index string) string { return path.Join(IndicesPath, index) }

func ShardAssignmentsPath(shard string) string { return path.Join(ShardToNodePath, shard) }

func ShardAssignmentPath(shard, node string) string { return path.Join(ShardToNodePath, shard, node) }

func LeaderOpPath(key string) string { return path.Join(LeaderOpsPath, key) }

func WorkQueuePath(node string) string { return path.Join(WorkPath, node) }

func WorkItemPath(node, id string) string { return path.Join(WorkPath, node, id) }

func ResultPath(id string) string { return path.Join(ResultsPath, id) }

// PersistentRoots are created by the leader when it takes office.
var PersistentRoots = []string{IndicesPath, ShardToNodePath, LeaderOpsPath, WorkPath, ResultsPath}
