// Package main implements the shardctl coordinator, the process that
// competes to lead the cluster through the coordination tree in etcd.
//
// The coordinator:
//   - Connects to an external etcd cluster, or runs an embedded one when
//     no endpoints are configured, so a single binary is a whole cluster
//   - Records finished leader operations in a SQLite history under the
//     data directory
//   - Runs a master candidate that, while leading, deploys indices and keeps
//     their shards replicated
//   - Accepts worker processes over HTTP and represents each one in the
//     coordination tree with its own session and agent
//   - Probes those workers and evicts the ones that stop answering
//   - Serves the index management API and Prometheus metrics
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                Coordinator                   │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                   │
//	│    /register              - Node join        │
//	│    /nodes                 - Live nodes       │
//	│    /indices[/{name}...]   - Index management │
//	│    /operations            - Leader queue     │
//	│    /operations/history    - Finished ops     │
//	│    /health, /metrics                         │
//	├──────────────────────────────────────────────┤
//	│  Components:                                 │
//	│    coord.Server    - Coordination tree       │
//	│    coord.Embedded  - Single-binary etcd      │
//	│    leader.Master   - Election + leader loop  │
//	│    deploy.Client   - Index requests          │
//	│    HealthMonitor   - Worker liveness         │
//	└──────────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file (--config), SHARDCTL_*
// environment variables and flags, in that order.
//
// Example usage:
//
//	# single binary, embedded etcd
//	shardctl-coordinator --listen :8080 --data /var/lib/shardctl
//
//	# a second candidate sharing the first one's etcd
//	shardctl-coordinator --listen :8090 --name coord-b \
//	  --etcd-endpoints http://coord-a:2379
//
//	curl -X POST localhost:8080/indices?wait=60s \
//	  -d '{"name":"books","source":"/data/books","replication":2}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/shardctl/internal/config"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/storage"
)

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string) error {
	cfg, err := config.Parse("coordinator", args, getenv, (*config.Config).BindFlags)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoints := cfg.Etcd.Endpoints
	if len(endpoints) == 0 {
		embedded, err := startEmbedded(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer embedded.Close()
		endpoints = embedded.Endpoints()
	}

	var store storage.Store
	if cfg.Coordinator.DataPath != "" {
		if err := os.MkdirAll(cfg.Coordinator.DataPath, 0o755); err != nil {
			return err
		}
		sqlite, err := storage.OpenSQLite(storage.SQLiteConfig{
			Path:   filepath.Join(cfg.Coordinator.DataPath, "history.db"),
			Logger: logger,
		})
		if err != nil {
			return err
		}
		defer sqlite.Close()
		store = sqlite
	}

	cs, err := coord.NewServer(coord.Config{
		Endpoints:      endpoints,
		Namespace:      cfg.Etcd.Namespace,
		SessionTTL:     cfg.Etcd.SessionTTL,
		DialTimeout:    cfg.Etcd.DialTimeout,
		RequestTimeout: cfg.Etcd.RequestTimeout,
		Logger:         logger.With("component", "coord"),
	})
	if err != nil {
		return err
	}
	defer cs.Close()

	srv, err := newServer(cfg, cs, store, logger)
	if err != nil {
		return err
	}
	srv.start(ctx)
	defer srv.stop()

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.Coordinator.Listen, "name", cfg.Coordinator.Name)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("coordinator stopped")
	return nil
}

// startEmbedded runs the single-member etcd used when no external
// endpoints are configured. Without a data path its data lives in a
// temporary directory removed on Close.
func startEmbedded(ctx context.Context, cfg config.Config, logger *slog.Logger) (*embeddedEtcd, error) {
	dir := filepath.Join(cfg.Coordinator.DataPath, "etcd")
	temporary := cfg.Coordinator.DataPath == ""
	if temporary {
		var err error
		if dir, err = os.MkdirTemp("", "shardctl-etcd-"); err != nil {
			return nil, err
		}
	}
	e, err := coord.StartEmbedded(ctx, coord.EmbedConfig{
		Dir:       dir,
		ClientURL: cfg.Etcd.ClientURL,
		PeerURL:   cfg.Etcd.PeerURL,
		Logger:    logger.With("component", "etcd"),
	})
	if err != nil {
		if temporary {
			os.RemoveAll(dir)
		}
		return nil, err
	}
	return &embeddedEtcd{Embedded: e, dir: dir, temporary: temporary}, nil
}

type embeddedEtcd struct {
	*coord.Embedded
	dir       string
	temporary bool
}

func (e *embeddedEtcd) Close() {
	e.Embedded.Close()
	if e.temporary {
		os.RemoveAll(e.dir)
	}
}
