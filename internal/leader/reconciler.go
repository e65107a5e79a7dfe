package leader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coordinator"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Registry *coordinator.Registry
	Queue    *Queue
	// Interval between periodic passes. Defaults to 10s.
	Interval time.Duration
	// Debounce collapses bursts of registry changes into one check.
	// Defaults to 250ms.
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Reconciler turns registry changes into queue work. Node departures
// and returns go straight to the queue; index lifecycle changes enqueue
// deploys and undeploys; everything else triggers a debounced
// CheckIndices. A periodic pass repeats the lifecycle scan and the check
// so nothing depends on a single event being seen.
type Reconciler struct {
	registry *coordinator.Registry
	queue    *Queue
	interval time.Duration
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewReconciler requires a registry and a queue. Interval and Debounce
// default to 10s and 250ms.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Registry == nil || cfg.Queue == nil {
		return nil, errors.New("leader: reconciler needs a registry and a queue")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		registry: cfg.Registry,
		queue:    cfg.Queue,
		interval: cfg.Interval,
		debounce: cfg.Debounce,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Run reacts to registry changes until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	changes, unsubscribe := r.registry.Subscribe()
	defer unsubscribe()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.pass()
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-changes:
			r.handle(change)
			if settle == nil {
				settle = r.clock.After(r.debounce)
			}
		case <-settle:
			settle = nil
			r.check()
		case <-ticker.C:
			r.pass()
		}
	}
}

func (r *Reconciler) pass() {
	names, err := r.registry.Indices()
	if err != nil {
		r.logger.Warn("reconcile pass skipped", "error", err)
		return
	}
	for _, name := range names {
		r.lifecycle(name)
	}
	r.check()
}

func (r *Reconciler) handle(change coordinator.Change) {
	switch change.Kind {
	case coordinator.NodeRemoved:
		r.queue.NodeGone(change.Node)
	case coordinator.NodeAdded:
		r.queue.NodeBack(change.Node)
	case coordinator.IndexChanged:
		r.lifecycle(change.Index)
	}
}

// lifecycle enqueues the operation that moves an index out of a
// transitional state, unless one is already pending.
func (r *Reconciler) lifecycle(name string) {
	idx, err := r.registry.ReadIndexMetadata(name)
	if err != nil {
		if !errors.Is(err, coordinator.ErrIndexNotFound) {
			r.logger.Warn("reading index failed", "index", name, "error", err)
		}
		return
	}

	var op Operation
	switch idx.State {
	case cluster.IndexAnnounced, cluster.IndexDeploying:
		if r.queue.HasPending(KindDeployIndex, name) {
			return
		}
		op = &DeployIndex{Name: name, Attempt: max(idx.Attempt, 1)}
	case cluster.IndexUndeploying:
		if r.queue.HasPending(KindUndeployIndex, name) {
			return
		}
		op = &UndeployIndex{Name: name}
	default:
		return
	}
	if _, err := r.queue.Enqueue(op); err != nil {
		r.logger.Warn("enqueue failed", "index", name, "kind", op.Kind(), "error", err)
	}
}

func (r *Reconciler) check() {
	if r.queue.HasQueued(KindCheckIndices, "") {
		return
	}
	if _, err := r.queue.Enqueue(&CheckIndices{}); err != nil {
		r.logger.Warn("enqueue failed", "kind", KindCheckIndices, "error", err)
	}
}
