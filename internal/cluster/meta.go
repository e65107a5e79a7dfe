package cluster

import (
	"errors"
	"fmt"

	"github.com/dreamware/shardctl/internal/codec"
	"github.com/dreamware/shardctl/internal/coord"
)

var ErrIndexNotFound = errors.New("index not found")

// maxUpdateAttempts bounds the compare-and-set retries of UpdateIndex.
const maxUpdateAttempts = 16

// ReadIndex returns the metadata of index and the version it was read at.
func ReadIndex(session *coord.Session, index string) (Index, int64, error) {
	raw, stat, err := session.GetStat(IndexPath(index))
	if errors.Is(err, coord.ErrNoNode) {
		return Index{}, 0, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	if err != nil {
		return Index{}, 0, err
	}
	var idx Index
	if err := codec.Unmarshal(raw, &idx); err != nil {
		return Index{}, 0, fmt.Errorf("decoding index %s: %w", index, err)
	}
	return idx, stat.Version, nil
}

// CreateIndex writes the metadata of a new index. It fails with
// coord.ErrNodeExists when the name is taken.
func CreateIndex(session *coord.Session, idx Index) error {
	raw, err := codec.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encoding index %s: %w", idx.Name, err)
	}
	return session.Create(IndexPath(idx.Name), raw, coord.Persistent)
}

// UpdateIndex applies fn to the current metadata of index and writes the
// result with a version check, retrying when a concurrent writer got
// there first. If fn returns an error nothing is written.
func UpdateIndex(session *coord.Session, index string, fn func(*Index) error) (Index, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		idx, version, err := ReadIndex(session, index)
		if err != nil {
			return Index{}, err
		}
		if err := fn(&idx); err != nil {
			return Index{}, err
		}
		raw, err := codec.Marshal(idx)
		if err != nil {
			return Index{}, fmt.Errorf("encoding index %s: %w", index, err)
		}
		_, err = session.SetIf(IndexPath(index), raw, version)
		if errors.Is(err, coord.ErrBadVersion) {
			continue
		}
		if errors.Is(err, coord.ErrNoNode) {
			return Index{}, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
		}
		if err != nil {
			return Index{}, err
		}
		return idx, nil
	}
	return Index{}, fmt.Errorf("updating index %s: %w after %d attempts", index, coord.ErrBadVersion, maxUpdateAttempts)
}

// ReadNode returns the registration metadata of a live node. Shards is
// left empty.
func ReadNode(session *coord.Session, node string) (Node, error) {
	raw, err := session.Get(NodePath(node))
	if err != nil {
		return Node{}, err
	}
	n, err := DecodeNode(raw)
	if err != nil {
		return Node{}, fmt.Errorf("decoding node %s: %w", node, err)
	}
	return n, nil
}

// EncodeNode returns the stored form of n.
func EncodeNode(n Node) ([]byte, error) {
	return codec.Marshal(n)
}

// EncodeResult / DecodeResult convert operation results for the store.
func EncodeResult(r OperationResult) ([]byte, error) {
	return codec.Marshal(r)
}

func DecodeResult(raw []byte) (OperationResult, error) {
	var r OperationResult
	err := codec.Unmarshal(raw, &r)
	return r, err
}

// EncodeOperation / DecodeOperation convert node work items for the store.
func EncodeOperation(op NodeOperation) ([]byte, error) {
	return codec.Marshal(op)
}

func DecodeOperation(raw []byte) (NodeOperation, error) {
	var op NodeOperation
	err := codec.Unmarshal(raw, &op)
	return op, err
}

// DecodeNode decodes registration metadata read from the tree.
func DecodeNode(raw []byte) (Node, error) {
	var n Node
	err := codec.Unmarshal(raw, &n)
	return n, err
}
