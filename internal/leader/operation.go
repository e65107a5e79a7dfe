package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/shardctl/internal/cluster"
	"github.com/dreamware/shardctl/internal/codec"
	"github.com/dreamware/shardctl/internal/coord"
	"github.com/dreamware/shardctl/internal/coordinator"
)

// ErrPlanningConflict signals a violated placement invariant. The queue
// stops and the master gives up leadership.
var ErrPlanningConflict = errors.New("leader: planning conflict")

// ErrLeadershipLost is returned when the leader no longer holds the
// election node.
var ErrLeadershipLost = errors.New("leader: leadership lost")

// Kind names an operation variant.
type Kind string

const (
	KindCheckIndices  Kind = "check_indices"
	KindBalanceIndex  Kind = "balance_index"
	KindDeployIndex   Kind = "deploy_index"
	KindUndeployIndex Kind = "undeploy_index"
)

// Instruction is an admission decision.
type Instruction int

const (
	// Execute runs the operation now.
	Execute Instruction = iota
	// AddToQueueTail moves the operation behind everything queued.
	AddToQueueTail
	// Cancel drops the operation.
	Cancel
)

func (i Instruction) String() string {
	switch i {
	case Execute:
		return "execute"
	case AddToQueueTail:
		return "add_to_queue_tail"
	case Cancel:
		return "cancel"
	}
	return "unknown"
}

// Outcome pairs a dispatched node operation with its result.
type Outcome struct {
	Op     cluster.NodeOperation
	Result cluster.OperationResult
}

// Operation is a unit of leader work. Execute plans and returns the node
// operations to dispatch; Complete runs once every one of them has a
// result (real or synthesized). Implementations are pointer types whose
// exported fields are persisted between Execute and Complete.
type Operation interface {
	Kind() Kind
	// Index returns the index the operation concerns, or "".
	Index() string
	// Admit decides what to do given the operations currently executing.
	Admit(executing []Operation) Instruction
	Execute(ctx context.Context, lc *Context) ([]cluster.NodeOperation, error)
	Complete(ctx context.Context, lc *Context, outcomes []Outcome) error
}

// State is the lifecycle position of a queued operation.
type State string

const (
	StateQueued    State = "QUEUED"
	StateExecuting State = "EXECUTING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
)

type subRecord struct {
	Op     cluster.NodeOperation    `cbor:"op"`
	Result *cluster.OperationResult `cbor:"result,omitempty"`
}

// record is the persisted form of a queued operation at
// /cluster/leader-ops/{key}.
type record struct {
	Key      string           `cbor:"key"`
	Kind     Kind             `cbor:"kind"`
	Payload  codec.RawMessage `cbor:"payload"`
	State    State            `cbor:"state"`
	Subs     []subRecord      `cbor:"subs,omitempty"`
	Deadline time.Time        `cbor:"deadline"`
	Enqueued time.Time        `cbor:"enqueued"`
	Requeues int              `cbor:"requeues,omitempty"`
}

func newOperation(kind Kind) (Operation, error) {
	switch kind {
	case KindCheckIndices:
		return &CheckIndices{}, nil
	case KindBalanceIndex:
		return &BalanceIndex{}, nil
	case KindDeployIndex:
		return &DeployIndex{}, nil
	case KindUndeployIndex:
		return &UndeployIndex{}, nil
	}
	return nil, fmt.Errorf("leader: unknown operation kind %q", kind)
}

func decodeOperation(kind Kind, payload []byte) (Operation, error) {
	op, err := newOperation(kind)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := codec.Unmarshal(payload, op); err != nil {
			return nil, fmt.Errorf("leader: decoding %s payload: %w", kind, err)
		}
	}
	return op, nil
}

// isUnavailable reports errors that pause the queue instead of failing
// the operation.
func isUnavailable(err error) bool {
	return errors.Is(err, coord.ErrUnavailable) || errors.Is(err, coordinator.ErrRegistryUnavailable)
}

// sameIndex returns the executing operations of the given kind on index.
func sameIndex(executing []Operation, kind Kind, index string) bool {
	for _, op := range executing {
		if op.Kind() == kind && op.Index() == index {
			return true
		}
	}
	return false
}
