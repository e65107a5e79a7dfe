package leader

import (
	"context"
	"errors"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coordinator"
)

// UndeployIndex closes every replica of an UNDEPLOYING index and then
// deletes its shard-to-node records and metadata. Nodes that fail to
// close a shard are logged and otherwise ignored.
type UndeployIndex struct {
	Name string `cbor:"name"`
}

func (u *UndeployIndex) Kind() Kind    { return KindUndeployIndex }
func (u *UndeployIndex) Index() string { return u.Name }

func (u *UndeployIndex) Admit(executing []Operation) Instruction {
	switch {
	case sameIndex(executing, KindUndeployIndex, u.Name):
		return Cancel
	case sameIndex(executing, KindDeployIndex, u.Name), sameIndex(executing, KindBalanceIndex, u.Name):
		return AddToQueueTail
	}
	return Execute
}

// Execute returns a close for every live replica of the index.
func (u *UndeployIndex) Execute(ctx context.Context, lc *Context) ([]cluster.NodeOperation, error) {
	if err := lc.Registry.Sync(ctx); err != nil {
		return nil, err
	}
	idx, err := lc.Registry.ReadIndexMetadata(u.Name)
	if errors.Is(err, coordinator.ErrIndexNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if idx.State != cluster.IndexUndeploying {
		lc.Logger.Debug("skipping undeploy", "index", u.Name, "state", idx.State)
		return nil, nil
	}

	nodes, err := lc.Registry.LiveNodes()
	if err != nil {
		return nil, err
	}
	var ops []cluster.NodeOperation
	for _, n := range nodes {
		for _, shard := range n.Shards {
			if cluster.IndexOfShard(shard) != u.Name {
				continue
			}
			ops = append(ops, cluster.NodeOperation{
				Node: n.Name, Kind: cluster.OpCloseShard, Index: u.Name, Shard: shard,
			})
		}
	}
	lc.Logger.Info("undeploying index", "index", u.Name, "closes", len(ops))
	return ops, nil
}

// Complete deletes the index's assignment records and its metadata,
// whatever the closes reported.
func (u *UndeployIndex) Complete(ctx context.Context, lc *Context, outcomes []Outcome) error {
	for _, o := range outcomes {
		if !o.Result.Success {
			lc.Logger.Warn("replica left behind by undeploy",
				"index", u.Name, "shard", o.Op.Shard, "node", o.Op.Node, "error", o.Result.Error)
		}
	}

	if err := lc.Registry.Sync(ctx); err != nil {
		return err
	}
	var shards []string
	if idx, err := lc.Registry.ReadIndexMetadata(u.Name); err == nil {
		if idx.State != cluster.IndexUndeploying {
			return nil
		}
		shards = idx.ShardNames()
	} else if !errors.Is(err, coordinator.ErrIndexNotFound) {
		return err
	}
	assigned, err := lc.Registry.AssignedShards()
	if err != nil {
		return err
	}
	for _, shard := range assigned {
		if cluster.IndexOfShard(shard) == u.Name && !slices.Contains(shards, shard) {
			shards = append(shards, shard)
		}
	}

	for _, shard := range shards {
		err := lc.Session.Delete(cluster.ShardAssignmentsPath(shard))
		if err != nil && !errors.Is(err, coord.ErrNoNode) {
			return err
		}
	}
	err = lc.Session.Delete(cluster.IndexPath(u.Name))
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return err
	}
	lc.Logger.Info("index undeployed", "index", u.Name)
	return nil
}
