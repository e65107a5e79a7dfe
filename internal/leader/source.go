package leader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dreamware/shardctl/internal/cluster"
)

// ErrSourceNotDirectory is returned when an index source is not a
// directory.
var ErrSourceNotDirectory = errors.New("index source is not a directory")

// SourceResolver lists the shards stored at an index's source.
type SourceResolver interface {
	Shards(ctx context.Context, idx cluster.Index) ([]cluster.ShardMeta, error)
}

// ResolverFunc adapts a function to SourceResolver.
type ResolverFunc func(ctx context.Context, idx cluster.Index) ([]cluster.ShardMeta, error)

func (f ResolverFunc) Shards(ctx context.Context, idx cluster.Index) ([]cluster.ShardMeta, error) {
	return f(ctx, idx)
}

// DirResolver treats every visible subdirectory of the source directory
// as one shard. Sources may carry a "file://" prefix. Entries starting
// with '.' or '_' are skipped.
type DirResolver struct{}

func (DirResolver) Shards(_ context.Context, idx cluster.Index) ([]cluster.ShardMeta, error) {
	dir := strings.TrimPrefix(idx.Source, "file://")
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotDirectory, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var shards []cluster.ShardMeta
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		shards = append(shards, cluster.ShardMeta{
			Name: cluster.ShardName(idx.Name, name),
			Path: filepath.Join(dir, name),
		})
	}
	return shards, nil
}
