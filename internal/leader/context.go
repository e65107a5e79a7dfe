package leader

import (
	"errors"
	"log/slog"

	"github.com/dreamware/shardctl/internal/clock"
	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coordinator"
)

// Context is what operations see of the leader: the leader's session,
// the registry cache, the queue for follow-up work and shared settings.
// One Context lives for one leadership term.
type Context struct {
	Session  *coord.Session
	Registry *coordinator.Registry
	Sources  SourceResolver
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *Metrics

	// DeployAttempts is how many times a deployment is tried before the
	// index is put into ERROR.
	DeployAttempts int

	queue *Queue
}

// Enqueue adds a follow-up operation to the queue.
func (c *Context) Enqueue(op Operation) (string, error) {
	return c.queue.Enqueue(op)
}

// HasPending reports whether an operation of kind for index is queued or
// executing.
func (c *Context) HasPending(kind Kind, index string) bool {
	return c.queue.HasPending(kind, index)
}

// assign records node as a holder of shard under shard-to-node.
func (c *Context) assign(shard, node string) error {
	return c.Session.EnsurePath(cluster.ShardAssignmentPath(shard, node))
}

// unassign removes node's shard-to-node record for shard.
func (c *Context) unassign(shard, node string) error {
	err := c.Session.Delete(cluster.ShardAssignmentPath(shard, node))
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	return err
}
