package leader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coordinator"
	"github.com/dreamware/shardctl/internal/planner"
)

var errStateChanged = errors.New("index state changed")

// DeployIndex takes an ANNOUNCED index live. The first attempt resolves
// the index's shards from its source and moves it to DEPLOYING; every
// attempt opens the missing replicas on eligible nodes. An attempt that
// leaves a shard below min(replication, eligible nodes) is retried until
// DeployAttempts is exhausted, after which the index goes to ERROR.
type DeployIndex struct {
	Name    string `cbor:"name"`
	Attempt int    `cbor:"attempt"`
	// Target is the replica count every shard must reach, fixed when the
	// attempt executes.
	Target int `cbor:"target,omitempty"`
}

func (d *DeployIndex) Kind() Kind    { return KindDeployIndex }
func (d *DeployIndex) Index() string { return d.Name }

func (d *DeployIndex) Admit(executing []Operation) Instruction {
	switch {
	case sameIndex(executing, KindDeployIndex, d.Name), sameIndex(executing, KindUndeployIndex, d.Name):
		return Cancel
	case sameIndex(executing, KindBalanceIndex, d.Name):
		return AddToQueueTail
	}
	return Execute
}

// Execute moves the index to DEPLOYING, resolving its shards on the first
// attempt, and returns the opens needed to reach the target replication.
// Resolution failures put the index in ERROR.
func (d *DeployIndex) Execute(ctx context.Context, lc *Context) ([]cluster.NodeOperation, error) {
	if err := lc.Registry.Sync(ctx); err != nil {
		return nil, err
	}
	idx, err := lc.Registry.ReadIndexMetadata(d.Name)
	if errors.Is(err, coordinator.ErrIndexNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !deployable(idx.State) {
		lc.Logger.Debug("skipping deploy", "index", d.Name, "state", idx.State)
		return nil, nil
	}
	if d.Attempt < 1 {
		d.Attempt = 1
	}

	shards := idx.Shards
	if len(shards) == 0 {
		shards, err = lc.Sources.Shards(ctx, idx)
		if err != nil {
			return nil, d.fail(lc, fmt.Sprintf("resolving shards: %v", err))
		}
		if len(shards) == 0 {
			return nil, d.fail(lc, "no shards found at "+idx.Source)
		}
	}

	idx, err = cluster.UpdateIndex(lc.Session, d.Name, func(i *cluster.Index) error {
		if !deployable(i.State) {
			return errStateChanged
		}
		i.State = cluster.IndexDeploying
		i.Shards = shards
		i.Attempt = d.Attempt
		i.Error = ""
		i.UpdatedAt = lc.Clock.Now()
		return nil
	})
	if errors.Is(err, errStateChanged) || errors.Is(err, cluster.ErrIndexNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	nodes, err := lc.Registry.LiveNodes()
	if err != nil {
		return nil, err
	}
	eligible := 0
	for _, n := range nodes {
		if n.Eligible() {
			eligible++
		}
	}
	if eligible == 0 {
		return nil, d.fail(lc, "no eligible nodes")
	}
	d.Target = min(idx.Replication, eligible)

	replicas, err := replicaSets(lc.Registry, idx)
	if err != nil {
		return nil, err
	}
	delta, err := planner.Plan(planner.Input{
		Replication: idx.Replication,
		Nodes:       plannerNodes(nodes),
		Replicas:    replicas,
		Shards:      idx.ShardNames(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: index %s: %v", ErrPlanningConflict, d.Name, err)
	}

	lc.Logger.Info("deploying index",
		"index", d.Name, "attempt", d.Attempt, "shards", len(shards), "target", d.Target, "opens", delta.Adds())
	return nodeOperations(idx, delta, replicas, false)
}

// Complete marks the index DEPLOYED once every shard has its target
// replicas. Otherwise it queues the next attempt, or puts the index in
// ERROR when the attempts are used up.
func (d *DeployIndex) Complete(ctx context.Context, lc *Context, outcomes []Outcome) error {
	if err := recordOutcomes(lc, outcomes); err != nil {
		return err
	}
	if err := lc.Registry.Sync(ctx); err != nil {
		return err
	}
	idx, err := lc.Registry.ReadIndexMetadata(d.Name)
	if errors.Is(err, coordinator.ErrIndexNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if idx.State != cluster.IndexDeploying {
		return nil
	}

	target := d.Target
	if target < 1 {
		target = idx.Replication
	}
	var problems []string
	for _, o := range outcomes {
		if !o.Result.Success {
			problems = append(problems, fmt.Sprintf("%s on %s: %s", o.Op.Shard, o.Op.Node, o.Result.Error))
		}
	}
	short := false
	for _, shard := range idx.ShardNames() {
		hosts, err := lc.Registry.ShardReplicaSet(shard)
		if err != nil {
			return err
		}
		if len(hosts) < target {
			short = true
			problems = append(problems, fmt.Sprintf("%s has %d of %d replicas", shard, len(hosts), target))
		}
	}

	if !short {
		_, err := cluster.UpdateIndex(lc.Session, d.Name, func(i *cluster.Index) error {
			if i.State != cluster.IndexDeploying {
				return errStateChanged
			}
			i.State = cluster.IndexDeployed
			i.Error = ""
			i.UpdatedAt = lc.Clock.Now()
			return nil
		})
		if errors.Is(err, errStateChanged) || errors.Is(err, cluster.ErrIndexNotFound) {
			return nil
		}
		if err == nil {
			lc.Logger.Info("index deployed", "index", d.Name, "attempt", d.Attempt, "target", target)
		}
		return err
	}

	if d.Attempt < lc.DeployAttempts {
		lc.Logger.Warn("deploy attempt incomplete, retrying",
			"index", d.Name, "attempt", d.Attempt, "problems", len(problems))
		_, err := lc.Enqueue(&DeployIndex{Name: d.Name, Attempt: d.Attempt + 1})
		return err
	}
	return d.fail(lc, strings.Join(problems, "; "))
}

// fail puts the index into ERROR with reason.
func (d *DeployIndex) fail(lc *Context, reason string) error {
	_, err := cluster.UpdateIndex(lc.Session, d.Name, func(i *cluster.Index) error {
		if !deployable(i.State) {
			return errStateChanged
		}
		i.State = cluster.IndexError
		i.Error = reason
		i.Attempt = d.Attempt
		i.UpdatedAt = lc.Clock.Now()
		return nil
	})
	if errors.Is(err, errStateChanged) || errors.Is(err, cluster.ErrIndexNotFound) {
		return nil
	}
	if err == nil {
		lc.Logger.Error("index deployment failed", "index", d.Name, "attempt", d.Attempt, "reason", reason)
	}
	return err
}

func deployable(s cluster.IndexState) bool {
	return s == cluster.IndexAnnounced || s == cluster.IndexDeploying
}
