package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
)

var (
	// ErrIndexExists is returned by AddIndex for a taken name.
	ErrIndexExists = errors.New("index already exists")
	// ErrInvalidReplication is returned for replication factors below 1.
	ErrInvalidReplication = errors.New("replication must be at least 1")
	// ErrMissingSource is returned by AddIndex for an IndexSpec without a source.
	ErrMissingSource = errors.New("source is required")
	// ErrWrongState is returned when an index is not in a state the
	// request applies to.
	ErrWrongState = errors.New("index is in the wrong state")
)

// DeployFailedError reports an index that ended in ERROR.
type DeployFailedError struct {
	Index  string
	Reason string
}

func (e *DeployFailedError) Error() string {
	return fmt.Sprintf("deploying index %s failed: %s", e.Index, e.Reason)
}

// IndexSpec describes a new index.
type IndexSpec struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Analyzer    string `json:"analyzer,omitempty"`
	Replication int    `json:"replication"`
}

// Config configures a Client.
type Config struct {
	Session *coord.Session
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Client adds, removes and inspects indices.
type Client struct {
	session *coord.Session
	clock   clock.Clock
	logger  *slog.Logger
}

// NewClient returns a client writing through cfg.Session, which must be
// set. The session stays owned by the caller.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Session == nil {
		return nil, errors.New("deploy: session is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{session: cfg.Session, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// AddIndex announces a new index and returns a future that resolves when
// it is DEPLOYED or fails with a *DeployFailedError.
func (c *Client) AddIndex(spec IndexSpec) (*Future, error) {
	if err := cluster.ValidateName(spec.Name); err != nil {
		return nil, err
	}
	if spec.Source == "" {
		return nil, fmt.Errorf("deploy: index %s: %w", spec.Name, ErrMissingSource)
	}
	if spec.Replication < 1 {
		return nil, fmt.Errorf("deploy: index %s: %w", spec.Name, ErrInvalidReplication)
	}

	// Subscribe first so the deployment cannot finish unobserved.
	future, err := c.watch(spec.Name, deployed)
	if err != nil {
		return nil, err
	}
	err = cluster.CreateIndex(c.session, cluster.Index{
		Name:        spec.Name,
		Source:      spec.Source,
		Analyzer:    spec.Analyzer,
		Replication: spec.Replication,
		State:       cluster.IndexAnnounced,
		UpdatedAt:   c.clock.Now(),
	})
	if errors.Is(err, coord.ErrNodeExists) {
		future.Close()
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, spec.Name)
	}
	if err != nil {
		future.Close()
		return nil, err
	}
	c.logger.Info("index announced", "index", spec.Name, "source", spec.Source, "replication", spec.Replication)
	future.start()
	return future, nil
}

// RemoveIndex marks an index for undeployment. The future resolves once
// the leader has deleted it.
func (c *Client) RemoveIndex(name string) (*Future, error) {
	future, err := c.watch(name, removed)
	if err != nil {
		return nil, err
	}
	_, err = cluster.UpdateIndex(c.session, name, func(i *cluster.Index) error {
		i.State = cluster.IndexUndeploying
		i.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		future.Close()
		return nil, err
	}
	c.logger.Info("index removal requested", "index", name)
	future.start()
	return future, nil
}

// SetReplication changes the replication factor of an index. The leader
// rebalances deployed indices on its next check.
func (c *Client) SetReplication(name string, replication int) (cluster.Index, error) {
	if replication < 1 {
		return cluster.Index{}, fmt.Errorf("deploy: index %s: %w", name, ErrInvalidReplication)
	}
	idx, err := cluster.UpdateIndex(c.session, name, func(i *cluster.Index) error {
		if i.State == cluster.IndexUndeploying {
			return fmt.Errorf("%w: %s is %s", ErrWrongState, name, i.State)
		}
		i.Replication = replication
		i.UpdatedAt = c.clock.Now()
		return nil
	})
	if err == nil {
		c.logger.Info("replication changed", "index", name, "replication", replication)
	}
	return idx, err
}

// RetryIndex puts an index in ERROR back to ANNOUNCED so the leader
// deploys it again, re-reading its source.
func (c *Client) RetryIndex(name string) (*Future, error) {
	future, err := c.watch(name, deployed)
	if err != nil {
		return nil, err
	}
	_, err = cluster.UpdateIndex(c.session, name, func(i *cluster.Index) error {
		if i.State != cluster.IndexError {
			return fmt.Errorf("%w: %s is %s", ErrWrongState, name, i.State)
		}
		i.State = cluster.IndexAnnounced
		i.Shards = nil
		i.Attempt = 0
		i.Error = ""
		i.UpdatedAt = c.clock.Now()
		return nil
	})
	if err != nil {
		future.Close()
		return nil, err
	}
	c.logger.Info("index deployment retried", "index", name)
	future.start()
	return future, nil
}

// Index returns the metadata of one index.
func (c *Client) Index(name string) (cluster.Index, error) {
	idx, _, err := cluster.ReadIndex(c.session, name)
	return idx, err
}

// Indices returns every index sorted by name.
func (c *Client) Indices() ([]cluster.Index, error) {
	names, err := c.session.Children(cluster.IndicesPath)
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]cluster.Index, 0, len(names))
	for _, name := range names {
		idx, _, err := cluster.ReadIndex(c.session, name)
		if errors.Is(err, cluster.ErrIndexNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

// Nodes returns the registered nodes with the shards they host.
func (c *Client) Nodes() ([]cluster.Node, error) {
	names, err := c.session.Children(cluster.NodesPath)
	if errors.Is(err, coord.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]cluster.Node, 0, len(names))
	for _, name := range names {
		node, err := cluster.ReadNode(c.session, name)
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		shards, err := c.session.Children(cluster.NodeShardsPath(name))
		if err != nil && !errors.Is(err, coord.ErrNoNode) {
			return nil, err
		}
		slices.Sort(shards)
		node.Shards = shards
		out = append(out, node)
	}
	return out, nil
}

func (c *Client) watch(name string, check checkFunc) (*Future, error) {
	sub, err := c.session.Subscribe(cluster.IndexPath(name))
	if err != nil {
		return nil, err
	}
	return newFuture(c.session, sub, name, check), nil
}

// Await blocks until an index is DEPLOYED or fails.
func (c *Client) Await(ctx context.Context, name string) (cluster.Index, error) {
	future, err := c.watch(name, deployed)
	if err != nil {
		return cluster.Index{}, err
	}
	future.start()
	defer future.Close()
	return future.Wait(ctx)
}
