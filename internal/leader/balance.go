package leader

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coordinator"
	"github.com/dreamware/shardctl/internal/planner"
)

// BalanceIndex moves a deployed index toward its replication factor:
// it opens replicas of short shards on the least-loaded eligible nodes
// and closes surplus ones on the most-loaded nodes. Before planning it
// brings the shard-to-node records in line with what nodes report.
type BalanceIndex struct {
	Name string `cbor:"name"`
}

func (b *BalanceIndex) Kind() Kind    { return KindBalanceIndex }
func (b *BalanceIndex) Index() string { return b.Name }

// Admit drops the balance while anything else works on the same index;
// the next check queues another one if it is still needed.
func (b *BalanceIndex) Admit(executing []Operation) Instruction {
	for _, kind := range []Kind{KindBalanceIndex, KindDeployIndex, KindUndeployIndex} {
		if sameIndex(executing, kind, b.Name) {
			return Cancel
		}
	}
	return Execute
}

// Execute repairs the shard-to-node records and returns the opens and
// closes the planner asks for. A missing or no longer DEPLOYED index
// yields no work.
func (b *BalanceIndex) Execute(ctx context.Context, lc *Context) ([]cluster.NodeOperation, error) {
	if err := lc.Registry.Sync(ctx); err != nil {
		return nil, err
	}
	idx, err := lc.Registry.ReadIndexMetadata(b.Name)
	if errors.Is(err, coordinator.ErrIndexNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if idx.State != cluster.IndexDeployed {
		lc.Logger.Debug("skipping balance", "index", b.Name, "state", idx.State)
		return nil, nil
	}

	nodes, err := lc.Registry.LiveNodes()
	if err != nil {
		return nil, err
	}
	replicas, err := replicaSets(lc.Registry, idx)
	if err != nil {
		return nil, err
	}
	if err := syncAssignments(lc, idx.ShardNames(), replicas); err != nil {
		return nil, err
	}

	delta, err := planner.Plan(planner.Input{
		Replication: idx.Replication,
		Nodes:       plannerNodes(nodes),
		Replicas:    replicas,
		Shards:      idx.ShardNames(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: index %s: %v", ErrPlanningConflict, b.Name, err)
	}
	if !delta.Empty() {
		lc.Logger.Info("balancing index", "index", b.Name, "adds", delta.Adds(), "removes", delta.Removes())
	}
	return nodeOperations(idx, delta, replicas, true)
}

// Complete records the replicas that opened or closed successfully.
func (b *BalanceIndex) Complete(ctx context.Context, lc *Context, outcomes []Outcome) error {
	return recordOutcomes(lc, outcomes)
}

func plannerNodes(nodes []cluster.Node) []planner.Node {
	out := make([]planner.Node, len(nodes))
	for i, n := range nodes {
		out[i] = planner.Node{Name: n.Name, Load: len(n.Shards), Draining: !n.Eligible()}
	}
	return out
}

// nodeOperations turns a plan into node operations, refusing plans that
// open a replica where one exists or close one that does not.
func nodeOperations(idx cluster.Index, delta planner.Delta, replicas map[string][]string, withRemoves bool) ([]cluster.NodeOperation, error) {
	var ops []cluster.NodeOperation
	for _, move := range delta.Moves {
		path, ok := idx.ShardPath(move.Shard)
		if !ok {
			return nil, fmt.Errorf("%w: shard %s is not part of index %s", ErrPlanningConflict, move.Shard, idx.Name)
		}
		for _, node := range move.Add {
			if slices.Contains(replicas[move.Shard], node) {
				return nil, fmt.Errorf("%w: %s already hosts %s", ErrPlanningConflict, node, move.Shard)
			}
			ops = append(ops, cluster.NodeOperation{
				Node: node, Kind: cluster.OpOpenShard, Index: idx.Name, Shard: move.Shard, Path: path,
			})
		}
		if !withRemoves {
			continue
		}
		for _, node := range move.Remove {
			if !slices.Contains(replicas[move.Shard], node) {
				return nil, fmt.Errorf("%w: %s does not host %s", ErrPlanningConflict, node, move.Shard)
			}
			ops = append(ops, cluster.NodeOperation{
				Node: node, Kind: cluster.OpCloseShard, Index: idx.Name, Shard: move.Shard,
			})
		}
	}
	return ops, nil
}

// syncAssignments deletes shard-to-node records of nodes that no longer
// host the shard and adds records for replicas nobody recorded.
func syncAssignments(lc *Context, shards []string, replicas map[string][]string) error {
	for _, shard := range shards {
		recorded, err := lc.Registry.Assignments(shard)
		if err != nil {
			return err
		}
		for _, node := range recorded {
			if slices.Contains(replicas[shard], node) {
				continue
			}
			if err := lc.unassign(shard, node); err != nil {
				return err
			}
			lc.Logger.Debug("pruned stale assignment", "shard", shard, "node", node)
		}
		for _, node := range replicas[shard] {
			if slices.Contains(recorded, node) {
				continue
			}
			if err := lc.assign(shard, node); err != nil {
				return err
			}
			lc.Logger.Debug("adopted hosted replica", "shard", shard, "node", node)
		}
	}
	return nil
}

// recordOutcomes updates shard-to-node for successful node operations.
func recordOutcomes(lc *Context, outcomes []Outcome) error {
	for _, o := range outcomes {
		if !o.Result.Success {
			continue
		}
		var err error
		switch o.Op.Kind {
		case cluster.OpOpenShard:
			err = lc.assign(o.Op.Shard, o.Op.Node)
		case cluster.OpCloseShard:
			err = lc.unassign(o.Op.Shard, o.Op.Node)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
