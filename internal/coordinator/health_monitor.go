package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
)

// HealthStatus is the monitor's verdict on a node.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// NodeHealth represents the health status of a remote worker process.
type NodeHealth struct {
	LastCheck        time.Time    // Timestamp of the last health check attempt
	LastHealthy      time.Time    // Timestamp of the last successful health check
	NodeID           string       // Unique identifier of the node
	Status           HealthStatus // Current verdict
	ConsecutiveFails int          // Number of consecutive failed health checks
}

// CheckFunc probes one node address.
type CheckFunc func(ctx context.Context, addr string) error

// HealthMonitorConfig configures a HealthMonitor. Zero values take the
// defaults noted per field.
type HealthMonitorConfig struct {
	Interval    time.Duration // How often to check; default 5s
	Timeout     time.Duration // Per-check timeout; default 2s
	MaxFailures int           // Failures before unhealthy; default 3
	Check       CheckFunc     // Probe; default GET {addr}/health
	Clock       clock.Clock
	Logger      *slog.Logger
}

// HealthMonitor periodically probes the worker processes registered over
// HTTP. Once a node fails MaxFailures consecutive checks the onUnhealthy
// callback runs; the coordinator uses it to close the node's session,
// which removes the node's ephemeral registration and lets the leader
// re-replicate its shards.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth // Current health status per node
	httpClient  *http.Client           // HTTP client for default checks
	checkFunc   CheckFunc              // Function to perform health check
	onUnhealthy func(nodeID string)    // Callback when node becomes unhealthy
	clock       clock.Clock
	logger      *slog.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	timeout     time.Duration      // Timeout for a single health check
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor. It does nothing until Start.
func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = cfg.Check
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}
	return h
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when a
// node transitions to unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// Start runs the check loop until ctx is cancelled or Stop is called.
// nodeProvider is consulted before every round; nodes it no longer
// returns are forgotten.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)
	h.checkAllNodes(ctx, nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", "reason", "context cancelled")
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping", "reason", "stopped")
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(ctx, node)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Debug("node removed from health monitoring", "node", nodeID)
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := h.clock.Now()
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      HealthUnknown,
			LastCheck:   now,
			LastHealthy: now,
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(checkCtx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = h.clock.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("health check failed",
			"node", node.ID,
			"attempt", health.ConsecutiveFails,
			"max_failures", h.maxFailures,
			"error", err,
		)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != HealthUnhealthy {
			health.Status = HealthUnhealthy
			h.logger.Warn("node marked unhealthy", "node", node.ID, "failures", health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == HealthUnhealthy {
		h.logger.Info("node recovered", "node", node.ID)
	}
	health.Status = HealthHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the node's health, or nil if unknown.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every tracked node's health.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether the node's last verdict was healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	return exists && health.Status == HealthHealthy
}
