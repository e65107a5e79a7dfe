package planner

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ErrInvalidInput is returned for inputs no plan can satisfy.
var ErrInvalidInput = errors.New("planner: invalid input")

// Node is a live node as seen by the planner.
type Node struct {
	Name string
	// Load is the number of replicas the node hosts across all indices.
	Load int
	// Draining nodes keep their replicas but receive no new ones.
	Draining bool
}

// Input is the picture of one index the planner works on.
type Input struct {
	// Replication is the desired number of replicas per shard.
	Replication int
	// Nodes are the live nodes. Replicas on nodes not listed here are
	// ignored.
	Nodes []Node
	// Replicas maps a shard name to the nodes currently hosting it.
	Replicas map[string][]string
	// Shards lists the index's shards. Order does not matter.
	Shards []string
}

// Move is the change planned for one shard.
type Move struct {
	Shard  string
	Add    []string
	Remove []string
}

// Delta is the full plan for an index, ordered by shard name.
type Delta struct {
	Moves []Move
}

// Empty reports whether the plan changes nothing.
func (d Delta) Empty() bool { return len(d.Moves) == 0 }

// Adds returns the number of replicas the plan opens.
func (d Delta) Adds() int {
	n := 0
	for _, m := range d.Moves {
		n += len(m.Add)
	}
	return n
}

// Removes returns the number of replicas the plan closes.
func (d Delta) Removes() int {
	n := 0
	for _, m := range d.Moves {
		n += len(m.Remove)
	}
	return n
}

// Plan computes the minimal set of replica additions and removals that
// moves every shard toward Replication replicas.
//
// Shards are handled in name order. A shard short of replicas gains them
// on the least-loaded eligible nodes not already hosting it; a shard
// with too many loses them on the most-loaded hosting nodes. Ties go to
// the lexicographically smallest node name. Each decision updates the
// node loads seen by the next shard, which spreads consecutive shards
// across nodes. Replicas that are already correctly placed never move.
// When fewer eligible nodes exist than needed, the shard gets as many
// replicas as possible.
func Plan(in Input) (Delta, error) {
	if in.Replication < 1 {
		return Delta{}, fmt.Errorf("%w: replication %d", ErrInvalidInput, in.Replication)
	}

	load := make(map[string]int, len(in.Nodes))
	draining := make(map[string]bool, len(in.Nodes))
	for _, n := range in.Nodes {
		if _, dup := load[n.Name]; dup {
			return Delta{}, fmt.Errorf("%w: duplicate node %q", ErrInvalidInput, n.Name)
		}
		load[n.Name] = n.Load
		draining[n.Name] = n.Draining
	}

	shards := slices.Clone(in.Shards)
	slices.Sort(shards)
	shards = slices.Compact(shards)

	var delta Delta
	for _, shard := range shards {
		current := liveReplicas(in.Replicas[shard], load)
		move := Move{Shard: shard}

		switch {
		case len(current) < in.Replication:
			candidates := make([]string, 0, len(load))
			for name := range load {
				if !draining[name] && !slices.Contains(current, name) {
					candidates = append(candidates, name)
				}
			}
			slices.SortFunc(candidates, func(a, b string) int {
				if load[a] != load[b] {
					return load[a] - load[b]
				}
				return strings.Compare(a, b)
			})
			need := min(in.Replication-len(current), len(candidates))
			for _, name := range candidates[:need] {
				move.Add = append(move.Add, name)
				load[name]++
			}

		case len(current) > in.Replication:
			candidates := slices.Clone(current)
			slices.SortFunc(candidates, func(a, b string) int {
				if load[a] != load[b] {
					return load[b] - load[a]
				}
				return strings.Compare(a, b)
			})
			for _, name := range candidates[:len(current)-in.Replication] {
				move.Remove = append(move.Remove, name)
				load[name]--
			}
		}

		if len(move.Add) > 0 || len(move.Remove) > 0 {
			slices.Sort(move.Add)
			slices.Sort(move.Remove)
			delta.Moves = append(delta.Moves, move)
		}
	}
	return delta, nil
}

// liveReplicas returns the sorted, de-duplicated hosts that are live.
func liveReplicas(hosts []string, live map[string]int) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if _, ok := live[h]; ok && !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return out
}
