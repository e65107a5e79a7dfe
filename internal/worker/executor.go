package worker

import (
	"context"
	"strings"
	"time"

	"github.com/dreamware/shardctl/internal/cluster"
)

// Executor performs one node operation. Implementations never return an
// error: failures are reported in the result.
type Executor interface {
	Execute(ctx context.Context, op cluster.NodeOperation) cluster.OperationResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op cluster.NodeOperation) cluster.OperationResult

func (f ExecutorFunc) Execute(ctx context.Context, op cluster.NodeOperation) cluster.OperationResult {
	return f(ctx, op)
}

// NodeStatus is the body of a worker process's GET /info.
type NodeStatus struct {
	ID     string   `json:"id"`
	Addr   string   `json:"addr"`
	Shards []string `json:"shards"`
}

// HTTPExecutor forwards operations to a remote worker process's
// POST /operations endpoint.
type HTTPExecutor struct {
	Addr string
}

// Execute posts op and returns the node's result. Transport errors
// become failed results.
func (e HTTPExecutor) Execute(ctx context.Context, op cluster.NodeOperation) cluster.OperationResult {
	var result cluster.OperationResult
	if err := cluster.PostJSON(ctx, e.url("/operations"), op, &result); err != nil {
		return cluster.Failed(op, time.Now(), err.Error())
	}
	if result.ID != op.ID {
		return cluster.Failed(op, time.Now(), "node answered for operation "+result.ID)
	}
	return result
}

// Hosted asks the remote worker which shards it currently serves.
func (e HTTPExecutor) Hosted(ctx context.Context) ([]string, error) {
	var status NodeStatus
	if err := cluster.GetJSON(ctx, e.url("/info"), &status); err != nil {
		return nil, err
	}
	return status.Shards, nil
}

func (e HTTPExecutor) url(path string) string {
	return strings.TrimSuffix(e.Addr, "/") + path
}
