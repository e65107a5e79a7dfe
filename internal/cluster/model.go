package cluster

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NodeState is the service state a worker advertises in its registration.
type NodeState string

const (
	NodeStarting  NodeState = "STARTING"
	NodeInService NodeState = "IN_SERVICE"
	NodeDraining  NodeState = "DRAINING"
)

// Node is the metadata a worker publishes at /cluster/nodes/{name}.
// Shards is not stored in the payload; readers fill it from the node's
// ephemeral shards/ children.
type Node struct {
	Name      string    `cbor:"name" json:"name"`
	Addr      string    `cbor:"addr,omitempty" json:"addr,omitempty"`
	State     NodeState `cbor:"state" json:"state"`
	StartedAt time.Time `cbor:"started_at" json:"started_at"`
	Shards    []string  `cbor:"-" json:"shards"`
}

// Eligible reports whether the node may receive new replicas.
func (n Node) Eligible() bool {
	return n.State == NodeInService
}

// IndexState is a step of the index lifecycle.
type IndexState string

const (
	IndexAnnounced   IndexState = "ANNOUNCED"
	IndexDeploying   IndexState = "DEPLOYING"
	IndexDeployed    IndexState = "DEPLOYED"
	IndexError       IndexState = "ERROR"
	IndexUndeploying IndexState = "UNDEPLOYING"
)

// ShardMeta names one shard of an index and where its files live.
type ShardMeta struct {
	Name string `cbor:"name" json:"name"`
	Path string `cbor:"path" json:"path"`
}

// Index is the persisted metadata at /cluster/indices/{name}.
type Index struct {
	Name        string      `cbor:"name" json:"name"`
	Source      string      `cbor:"source" json:"source"`
	Analyzer    string      `cbor:"analyzer,omitempty" json:"analyzer,omitempty"`
	Replication int         `cbor:"replication" json:"replication"`
	State       IndexState  `cbor:"state" json:"state"`
	Shards      []ShardMeta `cbor:"shards,omitempty" json:"shards,omitempty"`
	Error       string      `cbor:"error,omitempty" json:"error,omitempty"`
	Attempt     int         `cbor:"attempt,omitempty" json:"attempt,omitempty"`
	UpdatedAt   time.Time   `cbor:"updated_at" json:"updated_at"`
}

// ShardNames returns the names of the index's shards in stored order.
func (i Index) ShardNames() []string {
	names := make([]string, len(i.Shards))
	for n, s := range i.Shards {
		names[n] = s.Name
	}
	return names
}

// ShardPath returns the path of the named shard.
func (i Index) ShardPath(shard string) (string, bool) {
	for _, s := range i.Shards {
		if s.Name == shard {
			return s.Path, true
		}
	}
	return "", false
}

// ShardSeparator joins an index name and a shard directory name.
const ShardSeparator = "#"

// ShardName derives the cluster-wide shard name from its index and the
// directory the shard was found in.
func ShardName(index, dir string) string {
	return index + ShardSeparator + dir
}

// IndexOfShard returns the index a shard name belongs to.
func IndexOfShard(shard string) string {
	index, _, _ := strings.Cut(shard, ShardSeparator)
	return index
}

var ErrInvalidName = errors.New("invalid name")

// ValidateName checks an index or node name. Names become path
// segments, so they are restricted to letters, digits, '.', '_' and '-'
// and may not start with '.'.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > 200 {
		return fmt.Errorf("%w: %q longer than 200 bytes", ErrInvalidName, name)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %q starts with '.'", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

// OperationKind is the action a node performs for a NodeOperation.
type OperationKind string

const (
	OpOpenShard  OperationKind = "open"
	OpCloseShard OperationKind = "close"
)

// NodeOperation is one unit of work the leader sends to a single node.
// Both kinds are idempotent on the node.
type NodeOperation struct {
	ID    string        `cbor:"id" json:"id"`
	Node  string        `cbor:"node" json:"node"`
	Kind  OperationKind `cbor:"kind" json:"kind"`
	Index string        `cbor:"index" json:"index"`
	Shard string        `cbor:"shard" json:"shard"`
	Path  string        `cbor:"path,omitempty" json:"path,omitempty"`
}

// OperationResult is a node's answer to a NodeOperation, written to
// /cluster/results/{id}.
type OperationResult struct {
	ID       string        `cbor:"id" json:"id"`
	Node     string        `cbor:"node" json:"node"`
	Kind     OperationKind `cbor:"kind" json:"kind"`
	Shard    string        `cbor:"shard" json:"shard"`
	Success  bool          `cbor:"success" json:"success"`
	Error    string        `cbor:"error,omitempty" json:"error,omitempty"`
	Finished time.Time     `cbor:"finished" json:"finished"`
}

// Err returns nil for a successful result and a *NodeOperationError
// otherwise.
func (r OperationResult) Err() error {
	if r.Success {
		return nil
	}
	return &NodeOperationError{Node: r.Node, Shard: r.Shard, Kind: r.Kind, Reason: r.Error}
}

// Succeeded builds a successful result for op.
func Succeeded(op NodeOperation, at time.Time) OperationResult {
	return OperationResult{ID: op.ID, Node: op.Node, Kind: op.Kind, Shard: op.Shard, Success: true, Finished: at}
}

// Failed builds a failed result for op.
func Failed(op NodeOperation, at time.Time, reason string) OperationResult {
	return OperationResult{ID: op.ID, Node: op.Node, Kind: op.Kind, Shard: op.Shard, Error: reason, Finished: at}
}

// NodeOperationError is a failed node sub-operation. The reconciler
// heals these on its next pass; they only surface to clients through
// deploy failure details.
type NodeOperationError struct {
	Node   string
	Shard  string
	Kind   OperationKind
	Reason string
}

func (e *NodeOperationError) Error() string {
	return fmt.Sprintf("node operation failed: %s %s on %s: %s", e.Kind, e.Shard, e.Node, e.Reason)
}
