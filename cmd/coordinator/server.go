package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/config"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coordinator"
	"github.com/dreamware/shardctl/internal/deploy"
	"github.com/dreamware/shardctl/internal/leader"
	"github.com/dreamware/shardctl/internal/storage"
	"github.com/dreamware/shardctl/internal/worker"
)

// server ties the coordinator's components together and serves its HTTP
// API.
type server struct {
	cfg    config.Config
	logger *slog.Logger

	coord   *coord.Server
	history *leader.History
	admin   *coord.Session
	deploy  *deploy.Client
	master  *leader.Master
	health  *coordinator.HealthMonitor
	metrics *prometheus.Registry

	// nodes holds the worker processes registered over HTTP. Joins and
	// evictions are serialized by joinMu; readers go straight to the map.
	nodes  *xsync.MapOf[string, *remoteNode]
	joinMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// remoteNode is the coordinator-side stand-in for a worker process: a
// session holding its registration and an agent forwarding its work.
type remoteNode struct {
	info    cluster.NodeInfo
	session *coord.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

func (n *remoteNode) running() bool {
	select {
	case <-n.done:
		return false
	default:
		return true
	}
}

// stop closes the node's session, which removes its registration, and
// waits for its agent to exit.
func (n *remoteNode) stop() {
	n.session.Close()
	n.cancel()
	<-n.done
}

// newServer wires the coordinator's components over the coordination
// handle cs. Finished leader operations are recorded in store; a nil
// store keeps them in memory. The caller keeps ownership of cs and
// closes it after stop.
func newServer(cfg config.Config, cs *coord.Server, store storage.Store, logger *slog.Logger) (*server, error) {
	if cs == nil {
		return nil, errors.New("coordinator: coordination handle is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	history, err := leader.NewHistory(store, cfg.Coordinator.HistoryLimit)
	if err != nil {
		return nil, err
	}
	admin, err := cs.Connect(cfg.Coordinator.Name + "-api")
	if err != nil {
		return nil, err
	}
	client, err := deploy.NewClient(deploy.Config{Session: admin, Logger: logger.With("component", "deploy")})
	if err != nil {
		admin.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := leader.NewMetrics()
	metrics.MustRegister(reg)

	master, err := leader.NewMaster(leader.MasterConfig{
		Name:              cfg.Coordinator.Name,
		Server:            cs,
		OperationTimeout:  cfg.Leader.OperationTimeout,
		ReconcileInterval: cfg.Leader.ReconcileInterval,
		Debounce:          cfg.Leader.Debounce,
		DeployAttempts:    cfg.Leader.DeployAttempts,
		Grace:             cfg.Leader.Grace,
		Backoff:           cfg.Leader.Backoff,
		History:           history,
		Logger:            logger.With("component", "leader"),
		Metrics:           metrics,
	})
	if err != nil {
		admin.Close()
		return nil, err
	}

	s := &server{
		cfg:     cfg,
		logger:  logger,
		coord:   cs,
		history: history,
		admin:   admin,
		deploy:  client,
		master:  master,
		metrics: reg,
		nodes:   xsync.NewMapOf[string, *remoteNode](),
	}
	s.health = coordinator.NewHealthMonitor(coordinator.HealthMonitorConfig{
		Interval:    cfg.Health.Interval,
		Timeout:     cfg.Health.Timeout,
		MaxFailures: cfg.Health.MaxFailures,
		Logger:      logger.With("component", "health"),
	})
	s.health.SetOnUnhealthy(s.evict)
	return s, nil
}

// start runs the master and the health monitor until stop or until ctx
// is done.
func (s *server) start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.master.Run(s.ctx); err != nil {
			s.logger.Error("master stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.health.Start(s.ctx, s.nodeInfos)
	}()
}

func (s *server) stop() {
	s.cancel()
	s.health.Stop()
	s.joinMu.Lock()
	s.nodes.Range(func(id string, n *remoteNode) bool {
		n.stop()
		s.nodes.Delete(id)
		return true
	})
	s.joinMu.Unlock()
	s.wg.Wait()
	s.admin.Close()
}

// join registers a worker process. Registering again with the same
// address and incarnation while its agent runs is a no-op. Anything else
// replaces the node's session, so a restarted worker is seen leaving and
// joining again.
func (s *server) join(info cluster.NodeInfo) error {
	if err := cluster.ValidateName(info.ID); err != nil {
		return err
	}
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	if old, ok := s.nodes.Load(info.ID); ok {
		if old.info == info && old.running() {
			return nil
		}
		old.stop()
		s.nodes.Delete(info.ID)
	}

	exec := worker.HTTPExecutor{Addr: info.Addr}
	session, err := s.coord.Connect(info.ID)
	if err != nil {
		return err
	}
	agent, err := worker.NewAgent(worker.AgentConfig{
		Name:        info.ID,
		Addr:        info.Addr,
		Session:     session,
		Executor:    exec,
		Inventory:   exec.Hosted,
		ExecTimeout: s.cfg.Leader.OperationTimeout,
		Logger:      s.logger.With("component", "agent"),
	})
	if err != nil {
		session.Close()
		return err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	n := &remoteNode{info: info, session: session, cancel: cancel, done: make(chan struct{})}
	s.nodes.Store(info.ID, n)
	go func() {
		defer close(n.done)
		if err := agent.Run(ctx); err != nil {
			s.logger.Warn("node agent stopped", "node", info.ID, "error", err)
		}
	}()
	s.logger.Info("node joined", "node", info.ID, "addr", info.Addr)
	return nil
}

// evict drops a worker process that failed its health checks. Closing
// its session deletes its registration, which the leader sees as the
// node leaving.
func (s *server) evict(id string) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	n, ok := s.nodes.LoadAndDelete(id)
	if !ok {
		return
	}
	n.stop()
	s.logger.Warn("node evicted", "node", id)
}

// nodeInfos lists the registered worker processes sorted by ID.
func (s *server) nodeInfos() []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, s.nodes.Size())
	s.nodes.Range(func(_ string, n *remoteNode) bool {
		out = append(out, n.info)
		return true
	})
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Name      string `json:"name"`
	Leader    bool   `json:"leader"`
	Available bool   `json:"available"`
	Nodes     int    `json:"nodes"`

	// History counts the recorded leader operations.
	History storage.StoreStats `json:"history"`
}

func (s *server) healthStatus() healthResponse {
	h := healthResponse{
		Name:      s.cfg.Coordinator.Name,
		Leader:    s.master.IsLeader(),
		Available: s.coord.Available(),
		Nodes:     s.nodes.Size(),
	}
	stats, err := s.history.Stats()
	if err != nil {
		s.logger.Warn("history stats failed", "error", err)
	}
	h.History = stats
	return h
}

// operations returns the leader's queue, or errNotLeader.
func (s *server) operations() ([]leader.Summary, error) {
	q := s.master.Queue()
	if q == nil || !s.master.IsLeader() {
		return nil, errNotLeader
	}
	return q.Snapshot(), nil
}

// operationHistory returns up to limit finished operations, newest first.
// Any coordinator answers, with the operations it finished while leading.
func (s *server) operationHistory(limit int) ([]leader.HistoryRecord, error) {
	return s.history.Recent(limit)
}

var errNotLeader = errors.New("this coordinator is not the leader")
