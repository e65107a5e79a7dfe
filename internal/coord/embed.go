package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

// EmbedConfig configures an in-process etcd member.
type EmbedConfig struct {
	// Name is the member name. Default: "shardctl"
	Name string

	// Dir holds the member's data. Reusing it restores the tree.
	Dir string

	// ClientURL is where clients connect. Default: "http://127.0.0.1:2379"
	ClientURL string

	// PeerURL is where other members would connect. Default:
	// "http://127.0.0.1:2380"
	PeerURL string

	// StartTimeout bounds the wait for the member to serve. Default: 30s
	StartTimeout time.Duration

	// UnsafeNoFsync skips fsync on commit. Only for tests.
	UnsafeNoFsync bool

	Logger *slog.Logger
}

// Embedded is a single-member etcd cluster running in this process. It
// lets one coordinator binary run without an external etcd; other
// coordinators can join its election by pointing at Endpoints.
type Embedded struct {
	etcd      *embed.Etcd
	endpoints []string
	logger    *slog.Logger
}

// StartEmbedded starts an etcd member and waits until it serves clients.
func StartEmbedded(ctx context.Context, cfg EmbedConfig) (*Embedded, error) {
	if cfg.Dir == "" {
		return nil, errors.New("coord: embedded etcd needs a data directory")
	}
	if cfg.Name == "" {
		cfg.Name = "shardctl"
	}
	if cfg.ClientURL == "" {
		cfg.ClientURL = "http://127.0.0.1:2379"
	}
	if cfg.PeerURL == "" {
		cfg.PeerURL = "http://127.0.0.1:2380"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	client, err := url.Parse(cfg.ClientURL)
	if err != nil {
		return nil, fmt.Errorf("coord: client url: %w", err)
	}
	peer, err := url.Parse(cfg.PeerURL)
	if err != nil {
		return nil, fmt.Errorf("coord: peer url: %w", err)
	}

	ec := embed.NewConfig()
	ec.Name = cfg.Name
	ec.Dir = cfg.Dir
	ec.ListenClientUrls = []url.URL{*client}
	ec.AdvertiseClientUrls = []url.URL{*client}
	ec.ListenPeerUrls = []url.URL{*peer}
	ec.AdvertisePeerUrls = []url.URL{*peer}
	ec.InitialCluster = ec.InitialClusterFromName(ec.Name)
	ec.LogLevel = "error"
	ec.UnsafeNoFsync = cfg.UnsafeNoFsync

	e, err := embed.StartEtcd(ec)
	if err != nil {
		return nil, fmt.Errorf("coord: starting embedded etcd: %w", err)
	}

	timer := time.NewTimer(cfg.StartTimeout)
	defer timer.Stop()
	select {
	case <-e.Server.ReadyNotify():
	case err := <-e.Err():
		e.Close()
		return nil, fmt.Errorf("coord: embedded etcd: %w", err)
	case <-timer.C:
		e.Server.Stop()
		e.Close()
		return nil, fmt.Errorf("coord: embedded etcd not ready after %s", cfg.StartTimeout)
	case <-ctx.Done():
		e.Close()
		return nil, ctx.Err()
	}

	endpoints := make([]string, 0, len(e.Clients))
	for _, l := range e.Clients {
		endpoints = append(endpoints, l.Addr().String())
	}
	cfg.Logger.Info("embedded etcd ready", "dir", cfg.Dir, "endpoints", endpoints)
	return &Embedded{etcd: e, endpoints: endpoints, logger: cfg.Logger}, nil
}

// Endpoints returns the client addresses to pass to Config.Endpoints.
func (e *Embedded) Endpoints() []string {
	return append([]string(nil), e.endpoints...)
}

// Close stops the member. The data directory is kept.
func (e *Embedded) Close() {
	e.etcd.Close()
	e.logger.Info("embedded etcd stopped")
}
