// Package planner decides where shard replicas go. It is a pure
// function of its input: no I/O, no clocks, no randomness, so the same
// cluster picture always yields the same plan.
//
// Plan turns one index's picture into a Delta of per-shard moves. Report
// summarizes replication for the periodic check: a shard is short only
// when enough eligible nodes exist to fix it, so a cluster that cannot
// repair an index does not keep queueing balances for it.
package planner
