package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/codec"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coordinator"
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	Session  *coord.Session
	Registry *coordinator.Registry
	Sources  SourceResolver

	// OperationTimeout bounds how long an executing operation waits for
	// node results before the missing ones count as failed. Defaults to
	// 30s.
	OperationTimeout time.Duration
	// DeployAttempts defaults to 3.
	DeployAttempts int
	// RetryInterval is how often a paused queue retries. Defaults to 1s.
	RetryInterval time.Duration

	// History, when set, receives a record of every finished operation.
	History *History

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Summary describes a pending operation.
type Summary struct {
	Key   string `json:"key"`
	Kind  Kind   `json:"kind"`
	Index string `json:"index,omitempty"`
	State State  `json:"state"`
}

type entry struct {
	key   string
	kind  Kind
	index string
	op    Operation
	state State // guarded by Queue.mu

	// Owned by the processing goroutine.
	rec        record
	dispatched bool
	completed  State
}

func (e *entry) settled() bool {
	for _, sub := range e.rec.Subs {
		if sub.Result == nil {
			return false
		}
	}
	return true
}

// Queue is the leader's persistent operation queue. Operations are stored
// under /cluster/leader-ops keyed by time-ordered UUIDs and survive leader
// changes. A single goroutine (Run) admits and executes them one at a
// time, dispatches their node operations to per-node work queues and
// completes them once every node operation has a result.
type Queue struct {
	session  *coord.Session
	registry *coordinator.Registry
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	history  *History
	timeout  time.Duration
	retry    time.Duration
	lc       *Context

	wake chan struct{}

	mu      sync.Mutex
	entries map[string]*entry
	gone    map[string]bool

	// requeued holds keys moved to the tail since the last executed or
	// completed operation. They are not offered again until something
	// makes progress.
	requeued map[string]bool
}

// NewQueue creates a queue. Call Recover before Run to pick up the
// operations of earlier leaders.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Session == nil {
		return nil, errors.New("leader: session is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("leader: registry is required")
	}
	if cfg.Sources == nil {
		cfg.Sources = DirResolver{}
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.DeployAttempts <= 0 {
		cfg.DeployAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	q := &Queue{
		session:  cfg.Session,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		history:  cfg.History,
		timeout:  cfg.OperationTimeout,
		retry:    cfg.RetryInterval,
		wake:     make(chan struct{}, 1),
		entries:  make(map[string]*entry),
		gone:     make(map[string]bool),
		requeued: make(map[string]bool),
	}
	q.lc = &Context{
		Session:        cfg.Session,
		Registry:       cfg.Registry,
		Sources:        cfg.Sources,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
		DeployAttempts: cfg.DeployAttempts,
		queue:          q,
	}
	return q, nil
}

func newKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("leader: generating key: %w", err)
	}
	return id.String(), nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists op at the tail of the queue and returns its key.
func (q *Queue) Enqueue(op Operation) (string, error) {
	key, err := newKey()
	if err != nil {
		return "", err
	}
	payload, err := codec.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("leader: encoding %s: %w", op.Kind(), err)
	}
	e := &entry{
		key:   key,
		kind:  op.Kind(),
		index: op.Index(),
		op:    op,
		state: StateQueued,
		rec: record{
			Key:      key,
			Kind:     op.Kind(),
			Payload:  payload,
			State:    StateQueued,
			Enqueued: q.clock.Now(),
		},
	}
	raw, err := codec.Marshal(e.rec)
	if err != nil {
		return "", fmt.Errorf("leader: encoding record: %w", err)
	}
	if err := q.session.Create(cluster.LeaderOpPath(key), raw, coord.Persistent); err != nil {
		return "", fmt.Errorf("leader: enqueue %s: %w", op.Kind(), err)
	}

	q.mu.Lock()
	q.entries[key] = e
	q.mu.Unlock()
	q.notify()

	q.logger.Debug("operation enqueued", "key", key, "kind", e.kind, "index", e.index)
	return key, nil
}

// HasPending reports whether an operation of kind for index is queued or
// executing.
func (q *Queue) HasPending(kind Kind, index string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.kind == kind && e.index == index {
			return true
		}
	}
	return false
}

// HasQueued reports whether an operation of kind for index is waiting to
// be executed.
func (q *Queue) HasQueued(kind Kind, index string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.kind == kind && e.index == index && e.state == StateQueued {
			return true
		}
	}
	return false
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot lists pending operations in queue order.
func (q *Queue) Snapshot() []Summary {
	q.mu.Lock()
	out := make([]Summary, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, Summary{Key: e.key, Kind: e.kind, Index: e.index, State: e.state})
	}
	q.mu.Unlock()
	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// NodeGone marks node as departed. Its unfinished node operations fail on
// the next pass and its work queue is removed.
func (q *Queue) NodeGone(node string) {
	q.mu.Lock()
	q.gone[node] = true
	q.mu.Unlock()

	err := q.session.Delete(cluster.WorkQueuePath(node))
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		q.logger.Warn("failed to drop work queue", "node", node, "error", err)
	}
	q.logger.Info("node gone", "node", node)
	q.notify()
}

// NodeBack clears a NodeGone mark when the node registers again.
func (q *Queue) NodeBack(node string) {
	q.mu.Lock()
	delete(q.gone, node)
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) isGone(node string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gone[node]
}

func (q *Queue) sorted(state State) []*entry {
	q.mu.Lock()
	var out []*entry
	for _, e := range q.entries {
		if e.state == state {
			out = append(out, e)
		}
	}
	q.mu.Unlock()
	slices.SortFunc(out, func(a, b *entry) int { return strings.Compare(a.key, b.key) })
	return out
}

func (q *Queue) executingOps() []Operation {
	entries := q.sorted(StateExecuting)
	ops := make([]Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.op
	}
	return ops
}

func (q *Queue) setState(e *entry, state State) {
	q.mu.Lock()
	e.state = state
	q.mu.Unlock()
	e.rec.State = state
}

// Recover loads the operations persisted by earlier leaders. Executing
// operations get a fresh deadline; node operations that have neither a
// result nor a work item are issued again on the first pass.
func (q *Queue) Recover(ctx context.Context) error {
	keys, err := q.session.Children(cluster.LeaderOpsPath)
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leader: listing operations: %w", err)
	}

	now := q.clock.Now()
	recovered := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.mu.Lock()
		_, known := q.entries[key]
		q.mu.Unlock()
		if known {
			continue
		}

		raw, err := q.session.Get(cluster.LeaderOpPath(key))
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("leader: reading operation %s: %w", key, err)
		}

		var rec record
		op, err := q.decodeRecord(raw, &rec)
		if err != nil {
			q.logger.Error("dropping undecodable operation", "key", key, "error", err)
			if err := q.session.Delete(cluster.LeaderOpPath(key)); err != nil && !errors.Is(err, coord.ErrNoNode) {
				return err
			}
			continue
		}
		rec.Key = key

		e := &entry{key: key, kind: rec.Kind, index: op.Index(), op: op, rec: rec, state: StateQueued}
		if rec.State == StateExecuting {
			e.state = StateExecuting
			e.rec.Deadline = now.Add(q.timeout)
			if err := q.persist(e); err != nil {
				return err
			}
		} else {
			e.rec.State = StateQueued
		}

		q.mu.Lock()
		q.entries[key] = e
		q.mu.Unlock()
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("recovered operations", "count", recovered)
	}
	q.updateGauges()
	q.notify()
	return nil
}

func (q *Queue) decodeRecord(raw []byte, rec *record) (Operation, error) {
	if err := codec.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return decodeOperation(rec.Kind, rec.Payload)
}

// persist writes the entry's record, re-encoding the operation so fields
// set during Execute reach Complete after a leader change.
func (q *Queue) persist(e *entry) error {
	payload, err := codec.Marshal(e.op)
	if err != nil {
		return fmt.Errorf("leader: encoding %s: %w", e.kind, err)
	}
	e.rec.Payload = payload
	raw, err := codec.Marshal(e.rec)
	if err != nil {
		return fmt.Errorf("leader: encoding record: %w", err)
	}
	return q.session.Set(cluster.LeaderOpPath(e.key), raw)
}

// Run processes the queue until ctx is done. It returns nil on
// cancellation and an error when leadership should be given up: a
// planning conflict, a closed session or an unexpected store failure.
// Unavailability of the coordination service pauses the queue.
func (q *Queue) Run(ctx context.Context) error {
	sub, err := q.session.Subscribe(cluster.ResultsPath)
	if err != nil {
		return fmt.Errorf("leader: subscribe results: %w", err)
	}
	defer sub.Close()

	q.logger.Info("operation queue running")
	for {
		progress, err := q.iterate(ctx)
		paused := false
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case isUnavailable(err):
			paused = true
			q.logger.Warn("coordination unavailable, queue paused", "error", err)
		default:
			q.logger.Error("operation queue stopped", "error", err)
			return err
		}
		q.updateGauges()

		if progress && !paused {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return coord.ErrSessionClosed
		case <-q.wake:
		case <-sub.Ready():
			sub.Drain()
		case <-q.timer(paused):
		}
	}
}

// timer fires at the next retry or deadline, or never.
func (q *Queue) timer(paused bool) <-chan time.Time {
	if paused {
		return q.clock.After(q.retry)
	}
	var next time.Time
	for _, e := range q.sorted(StateExecuting) {
		if e.settled() {
			continue
		}
		if next.IsZero() || e.rec.Deadline.Before(next) {
			next = e.rec.Deadline
		}
	}
	if next.IsZero() {
		return nil
	}
	return q.clock.After(next.Sub(q.clock.Now()))
}

// iterate runs one pass: collect node results, execute the next
// admissible operation, complete the operations whose results are all in.
func (q *Queue) iterate(ctx context.Context) (bool, error) {
	collected, err := q.collectResults()
	if err != nil {
		return collected, err
	}
	executed, err := q.executeNext(ctx)
	if err != nil {
		return collected || executed, err
	}
	completed, err := q.completeReady(ctx)
	return collected || executed || completed, err
}

func (q *Queue) collectResults() (bool, error) {
	executing := q.sorted(StateExecuting)
	if len(executing) == 0 {
		return false, nil
	}
	live, liveErr := q.registry.LiveNodeNames()
	now := q.clock.Now()

	progress := false
	for _, e := range executing {
		changed := false
		for i := range e.rec.Subs {
			sub := &e.rec.Subs[i]
			if sub.Result != nil {
				continue
			}

			raw, err := q.session.Get(cluster.ResultPath(sub.Op.ID))
			if err == nil {
				result, err := cluster.DecodeResult(raw)
				if err != nil {
					result = cluster.Failed(sub.Op, now, "undecodable result: "+err.Error())
				}
				outcome := "success"
				if !result.Success {
					outcome = "failure"
				}
				q.settle(sub, result, outcome)
				changed = true
				continue
			}
			if !errors.Is(err, coord.ErrNoNode) {
				return progress, err
			}

			switch {
			case q.isGone(sub.Op.Node) || (liveErr == nil && !slices.Contains(live, sub.Op.Node)):
				q.settle(sub, cluster.Failed(sub.Op, now, "node gone"), "node_gone")
			case !now.Before(e.rec.Deadline):
				q.settle(sub, cluster.Failed(sub.Op, now, "timed out"), "timeout")
			default:
				continue
			}
			changed = true
		}

		if changed {
			progress = true
			if err := q.persist(e); err != nil {
				return progress, err
			}
		}
		if !e.dispatched {
			if err := q.dispatch(e); err != nil {
				return progress, err
			}
		}
	}
	return progress, nil
}

func (q *Queue) settle(sub *subRecord, result cluster.OperationResult, outcome string) {
	sub.Result = &result
	q.metrics.NodeOperations.WithLabelValues(string(sub.Op.Kind), outcome).Inc()
	if !result.Success {
		q.logger.Warn("node operation failed",
			"id", sub.Op.ID, "node", sub.Op.Node, "kind", sub.Op.Kind, "shard", sub.Op.Shard, "error", result.Error)
	}
}

// dispatch writes a work item for every unsettled node operation. Items
// that already exist are left alone.
func (q *Queue) dispatch(e *entry) error {
	for _, sub := range e.rec.Subs {
		if sub.Result != nil || q.isGone(sub.Op.Node) {
			continue
		}
		raw, err := cluster.EncodeOperation(sub.Op)
		if err != nil {
			return err
		}
		err = q.session.Create(cluster.WorkItemPath(sub.Op.Node, sub.Op.ID), raw, coord.Persistent)
		if err != nil && !errors.Is(err, coord.ErrNodeExists) {
			return fmt.Errorf("leader: dispatch %s to %s: %w", sub.Op.ID, sub.Op.Node, err)
		}
	}
	e.dispatched = true
	return nil
}

func (q *Queue) executeNext(ctx context.Context) (bool, error) {
	progress := false
	for _, e := range q.sorted(StateQueued) {
		if q.requeued[e.key] {
			continue
		}
		switch instr := e.op.Admit(q.executingOps()); instr {
		case Cancel:
			if err := q.drop(e); err != nil {
				return progress, err
			}
			q.metrics.Operations.WithLabelValues(string(e.kind), "cancelled").Inc()
			q.logger.Info("operation cancelled", "key", e.key, "kind", e.kind, "index", e.index)
			progress = true
		case AddToQueueTail:
			if err := q.requeue(e); err != nil {
				return progress, err
			}
			progress = true
		default:
			return true, q.execute(ctx, e)
		}
	}
	return progress, nil
}

func (q *Queue) execute(ctx context.Context, e *entry) error {
	log := q.logger.With("key", e.key, "kind", e.kind, "index", e.index)

	ops, err := e.op.Execute(ctx, q.lc)
	if err != nil {
		if isUnavailable(err) || errors.Is(err, ErrPlanningConflict) || ctx.Err() != nil {
			return err
		}
		log.Error("operation failed", "error", err)
		e.completed = StateFailed
		return q.finish(e)
	}
	clear(q.requeued)

	now := q.clock.Now()
	subs := make([]subRecord, 0, len(ops))
	for _, op := range ops {
		id, err := newKey()
		if err != nil {
			return err
		}
		op.ID = id
		subs = append(subs, subRecord{Op: op})
	}
	e.rec.Subs = subs
	e.rec.Deadline = now.Add(q.timeout)
	e.rec.State = StateExecuting
	if err := q.persist(e); err != nil {
		e.rec.Subs = nil
		e.rec.State = StateQueued
		return err
	}
	q.setState(e, StateExecuting)
	q.metrics.Operations.WithLabelValues(string(e.kind), "executed").Inc()
	log.Info("operation executing", "node_operations", len(subs))

	return q.dispatch(e)
}

func (q *Queue) completeReady(ctx context.Context) (bool, error) {
	progress := false
	for _, e := range q.sorted(StateExecuting) {
		if !e.settled() {
			continue
		}
		if e.completed == "" {
			outcomes := make([]Outcome, len(e.rec.Subs))
			for i, sub := range e.rec.Subs {
				outcomes[i] = Outcome{Op: sub.Op, Result: *sub.Result}
			}
			err := e.op.Complete(ctx, q.lc, outcomes)
			switch {
			case err == nil:
				e.completed = StateComplete
			case isUnavailable(err) || errors.Is(err, ErrPlanningConflict) || ctx.Err() != nil:
				return progress, err
			default:
				q.logger.Error("operation failed", "key", e.key, "kind", e.kind, "index", e.index, "error", err)
				e.completed = StateFailed
			}
		}
		if err := q.finish(e); err != nil {
			return progress, err
		}
		clear(q.requeued)
		progress = true
	}
	return progress, nil
}

// finish removes a completed or failed operation together with the work
// items and results of its node operations.
func (q *Queue) finish(e *entry) error {
	for _, sub := range e.rec.Subs {
		for _, p := range []string{cluster.WorkItemPath(sub.Op.Node, sub.Op.ID), cluster.ResultPath(sub.Op.ID)} {
			if err := q.session.Delete(p); err != nil && !errors.Is(err, coord.ErrNoNode) {
				return err
			}
		}
	}
	if err := q.drop(e); err != nil {
		return err
	}

	outcome := "completed"
	if e.completed == StateFailed {
		outcome = "failed"
	}
	q.metrics.Operations.WithLabelValues(string(e.kind), outcome).Inc()
	q.metrics.OperationDuration.WithLabelValues(string(e.kind)).Observe(q.clock.Now().Sub(e.rec.Enqueued).Seconds())
	q.logger.Debug("operation finished", "key", e.key, "kind", e.kind, "index", e.index, "outcome", outcome)
	q.record(e, outcome)
	return nil
}

// record appends e to the history. A history write failure loses the
// record but never the operation's outcome.
func (q *Queue) record(e *entry, outcome string) {
	if q.history == nil {
		return
	}
	err := q.history.Record(HistoryRecord{
		Key:      e.key,
		Kind:     e.kind,
		Index:    e.index,
		Outcome:  outcome,
		NodeOps:  len(e.rec.Subs),
		Requeues: e.rec.Requeues,
		Enqueued: e.rec.Enqueued,
		Finished: q.clock.Now(),
	})
	if err != nil {
		q.logger.Warn("operation history write failed", "key", e.key, "error", err)
	}
}

func (q *Queue) drop(e *entry) error {
	err := q.session.Delete(cluster.LeaderOpPath(e.key))
	if err != nil && !errors.Is(err, coord.ErrNoNode) {
		return err
	}
	q.mu.Lock()
	delete(q.entries, e.key)
	q.mu.Unlock()
	return nil
}

// requeue moves e behind every queued operation under a new key.
func (q *Queue) requeue(e *entry) error {
	key, err := newKey()
	if err != nil {
		return err
	}
	moved := &entry{
		key:   key,
		kind:  e.kind,
		index: e.index,
		op:    e.op,
		state: StateQueued,
		rec:   e.rec,
	}
	moved.rec.Key = key
	moved.rec.Requeues++

	payload, err := codec.Marshal(e.op)
	if err != nil {
		return err
	}
	moved.rec.Payload = payload
	raw, err := codec.Marshal(moved.rec)
	if err != nil {
		return err
	}
	if err := q.session.Create(cluster.LeaderOpPath(key), raw, coord.Persistent); err != nil {
		return err
	}
	if err := q.drop(e); err != nil {
		return err
	}

	q.mu.Lock()
	q.entries[key] = moved
	q.mu.Unlock()
	q.requeued[key] = true

	q.metrics.Operations.WithLabelValues(string(e.kind), "requeued").Inc()
	q.logger.Debug("operation moved to queue tail", "key", key, "previous", e.key, "kind", e.kind, "index", e.index)
	return nil
}

func (q *Queue) updateGauges() {
	queued, executing := 0, 0
	q.mu.Lock()
	for _, e := range q.entries {
		if e.state == StateExecuting {
			executing++
		} else {
			queued++
		}
	}
	q.mu.Unlock()
	q.metrics.QueueDepth.Set(float64(queued))
	q.metrics.Executing.Set(float64(executing))
}
