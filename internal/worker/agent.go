package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
)

// InventoryFunc reports the shards a node already serves when its agent
// starts, so they are advertised before any work arrives.
type InventoryFunc func(ctx context.Context) ([]string, error)

// AgentConfig configures an Agent.
type AgentConfig struct {
	Name     string
	Addr     string
	Session  *coord.Session
	Executor Executor

	// Inventory is optional.
	Inventory InventoryFunc

	// ExecTimeout bounds a single Execute call. Defaults to 30s.
	ExecTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Agent represents one node in the coordination tree. It holds the
// node's ephemeral registration, executes the work items the leader
// writes to /cluster/work/{node} in key order, keeps the node's
// ephemeral shards/ children in line with what it hosts, and answers
// each item with a result under /cluster/results.
type Agent struct {
	cfg    AgentConfig
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	state cluster.NodeState
	start time.Time
}

// NewAgent validates cfg and returns an agent ready to Run.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if err := cluster.ValidateName(cfg.Name); err != nil {
		return nil, fmt.Errorf("worker: node name: %w", err)
	}
	if cfg.Session == nil {
		return nil, errors.New("worker: session is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("worker: executor is required")
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{
		cfg:    cfg,
		clock:  c,
		logger: logger.With("node", cfg.Name),
		state:  cluster.NodeStarting,
	}, nil
}

// Name returns the node name.
func (a *Agent) Name() string { return a.cfg.Name }

// Run registers the node and processes its work queue until ctx is
// done or the session closes. It returns nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	sub, err := a.cfg.Session.Subscribe(cluster.WorkQueuePath(a.cfg.Name))
	if err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}
	defer sub.Close()

	registered := false
	for {
		err := a.step(ctx, &registered)
		switch {
		case err == nil:
		case errors.Is(err, coord.ErrUnavailable):
			a.logger.Warn("coordination unavailable, waiting")
		case errors.Is(err, coord.ErrSessionClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case <-sub.Ready():
			sub.Drain()
		}
	}
}

func (a *Agent) step(ctx context.Context, registered *bool) error {
	if !*registered {
		if err := a.register(ctx); err != nil {
			return err
		}
		*registered = true
	}
	return a.drainQueue(ctx)
}

// register creates the node's ephemeral entry, advertises its existing
// shards and then switches it into service.
func (a *Agent) register(ctx context.Context) error {
	a.mu.Lock()
	a.start = a.clock.Now()
	a.mu.Unlock()

	if err := a.writeNode(cluster.NodeStarting, true); err != nil {
		return err
	}
	if a.cfg.Inventory != nil {
		hosted, err := a.cfg.Inventory(ctx)
		if err != nil {
			a.logger.Warn("inventory unavailable, starting empty", "error", err)
		}
		for _, shard := range hosted {
			if err := a.advertise(shard); err != nil {
				return err
			}
		}
	}
	if err := a.cfg.Session.EnsurePath(cluster.WorkQueuePath(a.cfg.Name)); err != nil {
		return err
	}
	if err := a.writeNode(cluster.NodeInService, false); err != nil {
		return err
	}
	a.logger.Info("node registered", "addr", a.cfg.Addr)
	return nil
}

// SetState changes the advertised node state, e.g. to start draining.
func (a *Agent) SetState(state cluster.NodeState) error {
	return a.writeNode(state, false)
}

// State returns the last state written for the node.
func (a *Agent) State() cluster.NodeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) writeNode(state cluster.NodeState, create bool) error {
	a.mu.Lock()
	node := cluster.Node{Name: a.cfg.Name, Addr: a.cfg.Addr, State: state, StartedAt: a.start}
	a.mu.Unlock()

	raw, err := cluster.EncodeNode(node)
	if err != nil {
		return err
	}
	p := cluster.NodePath(a.cfg.Name)
	if create {
		err = a.cfg.Session.Create(p, raw, coord.Ephemeral)
		if errors.Is(err, coord.ErrNodeExists) {
			_, stat, statErr := a.cfg.Session.GetStat(p)
			if statErr != nil {
				return statErr
			}
			if stat.Owner != a.cfg.Session.ID() {
				// A previous session of this node has not expired yet.
				return fmt.Errorf("worker: node %s already registered: %w", a.cfg.Name, err)
			}
			err = a.cfg.Session.Set(p, raw)
		}
	} else {
		err = a.cfg.Session.Set(p, raw)
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	return nil
}

func (a *Agent) drainQueue(ctx context.Context) error {
	items, err := a.cfg.Session.Children(cluster.WorkQueuePath(a.cfg.Name))
	if errors.Is(err, coord.ErrNoNode) {
		// The leader dropped the queue; recreate it for future work.
		return a.cfg.Session.EnsurePath(cluster.WorkQueuePath(a.cfg.Name))
	}
	if err != nil {
		return err
	}
	for _, id := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.process(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) process(ctx context.Context, id string) error {
	itemPath := cluster.WorkItemPath(a.cfg.Name, id)
	raw, err := a.cfg.Session.Get(itemPath)
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}

	var result cluster.OperationResult
	op, err := cluster.DecodeOperation(raw)
	if err != nil {
		a.logger.Error("undecodable work item", "id", id, "error", err)
		result = cluster.Failed(cluster.NodeOperation{ID: id, Node: a.cfg.Name}, a.clock.Now(), "undecodable work item: "+err.Error())
	} else {
		result = a.execute(ctx, op)
	}

	if err := a.writeResult(result); err != nil {
		return err
	}
	if err := a.cfg.Session.Delete(itemPath); err != nil && !errors.Is(err, coord.ErrNoNode) {
		return err
	}
	return nil
}

func (a *Agent) execute(ctx context.Context, op cluster.NodeOperation) cluster.OperationResult {
	execCtx, cancel := context.WithTimeout(ctx, a.cfg.ExecTimeout)
	defer cancel()

	result := a.cfg.Executor.Execute(execCtx, op)
	result.ID, result.Node, result.Kind, result.Shard = op.ID, a.cfg.Name, op.Kind, op.Shard
	if result.Finished.IsZero() {
		result.Finished = a.clock.Now()
	}

	if result.Success {
		var err error
		switch op.Kind {
		case cluster.OpOpenShard:
			err = a.advertise(op.Shard)
		case cluster.OpCloseShard:
			err = a.withdraw(op.Shard)
		}
		if err != nil {
			// The shard state is unknown to the cluster; let the leader retry.
			return cluster.Failed(op, a.clock.Now(), "publishing shard state: "+err.Error())
		}
	}

	a.logger.Debug("operation executed", "id", op.ID, "kind", op.Kind, "shard", op.Shard, "success", result.Success)
	return result
}

func (a *Agent) advertise(shard string) error {
	err := a.cfg.Session.Create(cluster.NodeShardPath(a.cfg.Name, shard), nil, coord.Ephemeral)
	if errors.Is(err, coord.ErrNodeExists) {
		return nil
	}
	return err
}

func (a *Agent) withdraw(shard string) error {
	err := a.cfg.Session.Delete(cluster.NodeShardPath(a.cfg.Name, shard))
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	return err
}

func (a *Agent) writeResult(result cluster.OperationResult) error {
	raw, err := cluster.EncodeResult(result)
	if err != nil {
		return err
	}
	p := cluster.ResultPath(result.ID)
	err = a.cfg.Session.Create(p, raw, coord.Persistent)
	if errors.Is(err, coord.ErrNodeExists) {
		return a.cfg.Session.Set(p, raw)
	}
	return err
}
