// Package main implements the shardctl node, a worker process that serves
// index shards and executes the leader's open and close operations.
//
// The node is a worker in the shardctl cluster, responsible for:
//   - Opening and closing shards when the coordinator forwards an operation
//   - Reporting the shards it serves, so a restarted coordinator can
//     re-advertise them
//   - Registering with the coordinator and re-registering periodically
//   - Responding to health checks
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /operations   - Open/close a shard   │
//	│    /info         - Served shard names   │
//	│    /shards       - Shard details        │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    shard.Host    - Deployed shards      │
//	│    Registration  - Coordinator link     │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - NODE_ID: Unique node identifier (required)
//   - NODE_LISTEN: Listen address (default: ":8081")
//   - NODE_ADDR: Public address for coordinator (default: "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR: Coordinator URL (required)
//
// The same settings are accepted as flags (--id, --listen, --addr,
// --coordinator) and in the node section of a --config file.
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/config"
	"github.com/dreamware/shardctl/internal/shard"
	"github.com/dreamware/shardctl/internal/worker"
)

// Node is the runtime state of a worker process.
//
// Each node:
//   - Has a unique identifier within the cluster
//   - Carries a fresh incarnation per process start, so the coordinator
//     can tell a restart from a repeated registration
//   - Delegates shard work to a shard.Host
type Node struct {
	// ID uniquely identifies this node in the cluster.
	ID string

	// Addr is the public URL the coordinator calls back on.
	Addr string

	// Incarnation is generated at startup and never changes.
	Incarnation string

	host   *shard.Host
	logger *slog.Logger
}

// NewNode creates a node serving shards through host.
func NewNode(id, addr string, host *shard.Host, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Node{
		ID:          id,
		Addr:        addr,
		Incarnation: uuid.NewString(),
		host:        host,
		logger:      logger.With("node", id),
	}
}

// Info returns the registration payload of the node.
func (n *Node) Info() cluster.NodeInfo {
	return cluster.NodeInfo{ID: n.ID, Addr: n.Addr, Incarnation: n.Incarnation}
}

// routes builds the node's HTTP API.
func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /operations", n.handleOperation)
	mux.HandleFunc("GET /info", n.handleInfo)
	mux.HandleFunc("GET /shards", n.handleShards)
	return mux
}

// handleOperation executes one open or close forwarded by the
// coordinator.
//
// Endpoint: POST /operations
//
// Request body: cluster.NodeOperation
//
// Response: 200 with a cluster.OperationResult. A failed open is still a
// 200; the failure travels in the result so the leader can account for it.
// Only an unreadable request is a 400.
func (n *Node) handleOperation(w http.ResponseWriter, r *http.Request) {
	var op cluster.NodeOperation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if op.ID == "" || op.Shard == "" {
		http.Error(w, "missing id/shard", http.StatusBadRequest)
		return
	}
	result := n.host.Execute(r.Context(), op)
	result.Node = n.ID
	if !result.Success {
		n.logger.Warn("operation failed", "id", op.ID, "kind", op.Kind, "shard", op.Shard, "error", result.Error)
	}
	writeJSON(w, result)
}

// handleInfo reports the node's identity and served shards.
func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	shards := n.host.Hosted()
	if shards == nil {
		shards = []string{}
	}
	writeJSON(w, worker.NodeStatus{ID: n.ID, Addr: n.Addr, Shards: shards})
}

func (n *Node) handleShards(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Shards []shard.Shard   `json:"shards"`
		Stats  shard.HostStats `json:"stats"`
	}{Shards: n.host.List(), Stats: n.host.Stats()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// register attempts to register the node with the coordinator, retrying on
// failure to handle coordinator startup delays or temporary network issues.
//
// Retry strategy:
//   - attempts tries at most
//   - backoff between tries
//   - ctx cancellation stops retrying
//
// Returns the last error when every attempt failed.
func (n *Node) register(ctx context.Context, coordinator string, attempts int, backoff time.Duration) error {
	body := cluster.RegisterRequest{Node: n.Info()}
	url := strings.TrimSuffix(coordinator, "/") + "/register"
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, url, body, nil)
		if lastErr == nil {
			n.logger.Info("registered with coordinator", "coordinator", coordinator)
			return nil
		}
		n.logger.Warn("register retry", "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed to register with coordinator: %w", lastErr)
}

// heartbeat re-registers every interval until ctx is done. Registration
// is idempotent on the coordinator, and it brings the node back after an
// eviction or a coordinator restart.
func (n *Node) heartbeat(ctx context.Context, coordinator string, interval time.Duration) {
	body := cluster.RegisterRequest{Node: n.Info()}
	url := strings.TrimSuffix(coordinator, "/") + "/register"
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cluster.PostJSON(ctx, url, body, nil); err != nil && ctx.Err() == nil {
				n.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

// run starts the node and blocks until SIGINT or SIGTERM.
//
// Exit conditions:
//   - nil: normal shutdown via signal, or --help
//   - error: missing required configuration, failed registration or a
//     failed HTTP listener
func run(args []string, getenv func(string) string) error {
	cfg, err := config.Parse("node", args, getenv, (*config.Config).BindNodeFlags)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cfg.ValidateNode(); err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	host := shard.NewHost(shard.HostConfig{Searcher: shard.DirSearcher{}, Logger: logger})
	node := NewNode(cfg.Node.ID, cfg.Node.Addr, host, logger)

	s := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("node listening", "node", node.ID, "listen", cfg.Node.Listen, "public", cfg.Node.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.register(ctx, cfg.Node.Coordinator, cfg.Node.RegisterAttempts, cfg.Node.RegisterBackoff); err != nil {
		_ = s.Close()
		return err
	}
	go node.heartbeat(ctx, cfg.Node.Coordinator, cfg.Node.Heartbeat)

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	logger.Info("node stopped")
	return nil
}
