package planner

import "golang.org/x/exp/slices"

// ShardReplication is the live replica count of one shard.
type ShardReplication struct {
	Shard    string
	Replicas int
}

// Report summarizes how well an index meets its replication factor.
type Report struct {
	Index       string
	Replication int
	LiveNodes   int
	// EligibleNodes counts the live nodes that may receive new replicas.
	// Only they give the cluster capacity to repair a shard.
	EligibleNodes int
	Shards        []ShardReplication
}

// MinimalNodeCount is the number of live nodes needed before every shard
// of an index with the given replication factor can have all replicas on
// distinct nodes.
func MinimalNodeCount(replication int) int {
	return replication
}

// NewReport counts, for each shard, the hosts in replicas that are also
// in liveNodes.
//
// Parameters:
//   - liveNodes: every registered node, whatever its state; their replicas
//     serve and count
//   - eligible: how many of them may receive new replicas
//   - replicas: hosts per shard as reported by the nodes
func NewReport(index string, replication int, liveNodes []string, eligible int, shards []string, replicas map[string][]string) Report {
	r := Report{
		Index:         index,
		Replication:   replication,
		LiveNodes:     len(liveNodes),
		EligibleNodes: eligible,
		Shards:        make([]ShardReplication, 0, len(shards)),
	}
	ordered := slices.Clone(shards)
	slices.Sort(ordered)
	for _, shard := range ordered {
		count := 0
		var seen []string
		for _, host := range replicas[shard] {
			if slices.Contains(liveNodes, host) && !slices.Contains(seen, host) {
				seen = append(seen, host)
				count++
			}
		}
		r.Shards = append(r.Shards, ShardReplication{Shard: shard, Replicas: count})
	}
	return r
}

// UnderReplicated reports whether some shard has fewer than Replication
// live replicas while the cluster has enough eligible nodes to fix it.
// With at least Replication eligible nodes, a short shard always has an
// eligible node that does not host it yet.
func (r Report) UnderReplicated() bool {
	if r.EligibleNodes < MinimalNodeCount(r.Replication) {
		return false
	}
	return slices.IndexFunc(r.Shards, func(s ShardReplication) bool {
		return s.Replicas < r.Replication
	}) >= 0
}

// OverReplicated reports whether some shard has more than Replication
// live replicas.
func (r Report) OverReplicated() bool {
	return slices.IndexFunc(r.Shards, func(s ShardReplication) bool {
		return s.Replicas > r.Replication
	}) >= 0
}

// NeedsBalance reports whether the index should be regulated.
func (r Report) NeedsBalance() bool {
	return r.UnderReplicated() || r.OverReplicated()
}

// MinReplicas returns the smallest live replica count of any shard, or 0
// for an index without shards.
func (r Report) MinReplicas() int {
	if len(r.Shards) == 0 {
		return 0
	}
	lowest := r.Shards[0].Replicas
	for _, s := range r.Shards[1:] {
		lowest = min(lowest, s.Replicas)
	}
	return lowest
}
