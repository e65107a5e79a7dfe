package leader

import (
	"context"
	"errors"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coordinator"
	"github.com/dreamware/shardctl/internal/planner"
)

// CheckIndices compares every deployed index with its replication
// factor and queues a BalanceIndex for each one that is under- or
// over-replicated. It dispatches no node operations itself.
type CheckIndices struct{}

func (*CheckIndices) Kind() Kind    { return KindCheckIndices }
func (*CheckIndices) Index() string { return "" }

// Admit defers to an already executing check.
func (*CheckIndices) Admit(executing []Operation) Instruction {
	if sameIndex(executing, KindCheckIndices, "") {
		return AddToQueueTail
	}
	return Execute
}

// Execute scans the deployed indices and enqueues the balances. It
// updates the replication gauges and always returns no node operations.
func (*CheckIndices) Execute(ctx context.Context, lc *Context) ([]cluster.NodeOperation, error) {
	if err := lc.Registry.Sync(ctx); err != nil {
		return nil, err
	}
	nodes, err := lc.Registry.LiveNodes()
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(nodes))
	eligible := 0
	for _, n := range nodes {
		live = append(live, n.Name)
		if n.Eligible() {
			eligible++
		}
	}
	names, err := lc.Registry.Indices()
	if err != nil {
		return nil, err
	}

	under, over := 0, 0
	for _, name := range names {
		idx, err := lc.Registry.ReadIndexMetadata(name)
		if errors.Is(err, coordinator.ErrIndexNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if idx.State != cluster.IndexDeployed {
			continue
		}

		report, err := replicationReport(lc.Registry, idx, live, eligible)
		if err != nil {
			return nil, err
		}
		if report.UnderReplicated() {
			under++
		}
		if report.OverReplicated() {
			over++
		}
		if !report.NeedsBalance() || lc.HasPending(KindBalanceIndex, name) {
			continue
		}
		lc.Logger.Info("index needs balancing",
			"index", name,
			"replication", idx.Replication,
			"min_replicas", report.MinReplicas(),
			"under", report.UnderReplicated(),
			"over", report.OverReplicated())
		if _, err := lc.Enqueue(&BalanceIndex{Name: name}); err != nil {
			return nil, err
		}
	}

	lc.Metrics.UnderReplicated.Set(float64(under))
	lc.Metrics.OverReplicated.Set(float64(over))
	lc.Metrics.ReconcilePasses.Inc()
	return nil, nil
}

// Complete has nothing to record.
func (*CheckIndices) Complete(context.Context, *Context, []Outcome) error { return nil }

// replicaSets returns the live replicas of each shard of idx.
func replicaSets(reg *coordinator.Registry, idx cluster.Index) (map[string][]string, error) {
	replicas := make(map[string][]string, len(idx.Shards))
	for _, shard := range idx.ShardNames() {
		hosts, err := reg.ShardReplicaSet(shard)
		if err != nil {
			return nil, err
		}
		replicas[shard] = hosts
	}
	return replicas, nil
}

func replicationReport(reg *coordinator.Registry, idx cluster.Index, live []string, eligible int) (planner.Report, error) {
	replicas, err := replicaSets(reg, idx)
	if err != nil {
		return planner.Report{}, err
	}
	return planner.NewReport(idx.Name, idx.Replication, live, eligible, idx.ShardNames(), replicas), nil
}
