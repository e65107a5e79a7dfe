package leader

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
	"github.com/dreamware/shardctl/internal/coordinator"
)

// MasterConfig configures a Master.
type MasterConfig struct {
	// Name identifies this candidate in the election node.
	Name   string
	Server *coord.Server
	// Sources defaults to DirResolver.
	Sources SourceResolver

	OperationTimeout  time.Duration
	ReconcileInterval time.Duration
	Debounce          time.Duration
	DeployAttempts    int
	// Grace is how long a disconnected leader keeps its role before
	// abdicating. It also bounds registry reads. Defaults to 5s.
	Grace time.Duration
	// Backoff between leadership terms. Defaults to 1s.
	Backoff time.Duration
	// History, when set, records the operations finished while this
	// candidate leads.
	History *History

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// Master campaigns for leadership and, while it leads, runs the
// registry, the operation queue and the reconciler. Each term uses a
// fresh coordination session; ending the term closes it, which releases
// the election node for the next candidate.
type Master struct {
	cfg    MasterConfig
	logger *slog.Logger

	mu      sync.Mutex
	leading bool
	queue   *Queue
	reg     *coordinator.Registry
	terms   int
}

// NewMaster validates cfg and fills in defaults. It returns an error when
// cfg.Server is nil; the master does nothing until Run.
func NewMaster(cfg MasterConfig) (*Master, error) {
	if cfg.Server == nil {
		return nil, errors.New("leader: server is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("leader: name is required")
	}
	if cfg.Sources == nil {
		cfg.Sources = DirResolver{}
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
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
	return &Master{cfg: cfg, logger: cfg.Logger.With("candidate", cfg.Name)}, nil
}

// Run campaigns and leads until ctx is done, starting a new campaign
// after every lost term.
func (m *Master) Run(ctx context.Context) error {
	for {
		err := m.term(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.logger.Warn("leadership term ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.cfg.Clock.After(m.cfg.Backoff):
		}
	}
}

// IsLeader reports whether this master currently leads.
func (m *Master) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leading
}

// Terms returns the number of terms this master has led.
func (m *Master) Terms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terms
}

// Queue returns the queue of the current term, or nil when not leading.
func (m *Master) Queue() *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue
}

// Registry returns the registry of the current term, or nil.
func (m *Master) Registry() *coordinator.Registry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg
}

func (m *Master) term(ctx context.Context) error {
	session, err := m.cfg.Server.Connect(m.cfg.Name)
	if err != nil {
		return err
	}
	defer session.Close()

	election := coord.NewElection(session, cluster.LeaderPath)
	if err := election.Campaign(ctx); err != nil {
		return err
	}
	m.logger.Info("elected leader")

	termCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, p := range cluster.PersistentRoots {
		if err := session.EnsurePath(p); err != nil {
			return fmt.Errorf("leader: preparing %s: %w", p, err)
		}
	}

	registry, err := coordinator.NewRegistry(coordinator.RegistryConfig{
		Session: session,
		Grace:   m.cfg.Grace,
		Clock:   m.cfg.Clock,
		Logger:  m.cfg.Logger.With("component", "registry"),
	})
	if err != nil {
		return err
	}
	if err := registry.Start(termCtx); err != nil {
		return err
	}
	defer registry.Stop()

	queue, err := NewQueue(QueueConfig{
		Session:          session,
		Registry:         registry,
		Sources:          m.cfg.Sources,
		OperationTimeout: m.cfg.OperationTimeout,
		DeployAttempts:   m.cfg.DeployAttempts,
		History:          m.cfg.History,
		Clock:            m.cfg.Clock,
		Logger:           m.cfg.Logger.With("component", "queue"),
		Metrics:          m.cfg.Metrics,
	})
	if err != nil {
		return err
	}
	if err := queue.Recover(termCtx); err != nil {
		return err
	}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Registry: registry,
		Queue:    queue,
		Interval: m.cfg.ReconcileInterval,
		Debounce: m.cfg.Debounce,
		Clock:    m.cfg.Clock,
		Logger:   m.cfg.Logger.With("component", "reconciler"),
	})
	if err != nil {
		return err
	}

	watch, err := session.Subscribe(cluster.LeaderPath)
	if err != nil {
		return err
	}
	defer watch.Close()

	m.setLeading(queue, registry)
	defer m.setLeading(nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, run := range []func(context.Context) error{
		queue.Run,
		reconciler.Run,
		func(ctx context.Context) error { return m.watchLeadership(ctx, watch, election) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- run(termCtx)
		}()
	}

	err = <-errs
	cancel()
	wg.Wait()

	if resignErr := election.Resign(); resignErr != nil && !errors.Is(resignErr, coord.ErrSessionClosed) {
		m.logger.Debug("resign failed", "error", resignErr)
	}
	if err == nil && ctx.Err() == nil {
		err = ErrLeadershipLost
	}
	m.logger.Info("stepped down", "error", err)
	return err
}

func (m *Master) setLeading(queue *Queue, registry *coordinator.Registry) {
	m.mu.Lock()
	m.leading = queue != nil
	m.queue = queue
	m.reg = registry
	if queue != nil {
		m.terms++
	}
	m.mu.Unlock()
	if queue != nil {
		m.cfg.Metrics.Leader.Set(1)
	} else {
		m.cfg.Metrics.Leader.Set(0)
	}
}

// watchLeadership returns ErrLeadershipLost once the election node is no
// longer ours or the session stays disconnected longer than the grace
// window.
func (m *Master) watchLeadership(ctx context.Context, sub *coord.Subscription, election *coord.Election) error {
	var expired <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return fmt.Errorf("%w: session closed", ErrLeadershipLost)
		case <-expired:
			return fmt.Errorf("%w: disconnected longer than %s", ErrLeadershipLost, m.cfg.Grace)
		case <-sub.Ready():
		}

		for _, ev := range sub.Drain() {
			switch ev.Type {
			case coord.EventDisconnected:
				if expired == nil {
					expired = m.cfg.Clock.After(m.cfg.Grace)
				}
			case coord.EventReconnected:
				expired = nil
			case coord.EventOverflow, coord.EventChanged, coord.EventDeleted, coord.EventCreated:
				if expired == nil && !election.IsLeader() {
					return fmt.Errorf("%w: election node changed", ErrLeadershipLost)
				}
			}
		}
		if expired == nil && !election.IsLeader() {
			return fmt.Errorf("%w: election node changed", ErrLeadershipLost)
		}
	}
}
