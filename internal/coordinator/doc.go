// Package coordinator implements the operator-facing orchestration
// half of a reshard: it is not part of the hot read/write path (every
// node already knows how to forward and gossip on its own), but it is
// what actually drives a cluster from one ShardScheme to the next.
//
// # Overview
//
// UpdateShardScheme runs the two-phase PREPARE/SWITCH protocol of
// spec.md §4.7 against every member of a freshly computed scheme: it
// PATCHes shards/prepare to every node in every shard, waits for at
// least one acknowledgement per shard, then PATCHes shards/switch to
// the nodes that acknowledged, and returns once that second wave has
// also produced at least one acknowledgement per shard. It never
// blocks on every node responding — a minority of stragglers converge
// later on their own, via the retry loops already running inside
// internal/node and via gossip.
//
// ClusterStatus complements this with a read-only sweep used by operator
// tooling (cmd/kvctl's "status" command): an HTTP GET of /admin/info
// against every node in a scheme, reporting which ones answered and
// which scheme version each reported.
//
// AddNode, DelNode, and Reshard are the three operator-driven scheme
// transitions cmd/kvctl exposes, each computing its new
// internal/shardscheme.Scheme and driving it live via
// UpdateShardScheme. Reshard additionally enforces the fault-tolerance
// guard of spec.md §4.1: a cluster is never repartitioned into more
// shards than it can keep two replicas per shard for.
//
// # Concurrency
//
// Both phases fan out one goroutine per (shard, address) pair via
// internal/retry, and use one internal/semaphore.Counting per shard as
// the rendezvous point: a successful acknowledgement signals it, and
// the waiter on the other side blocks until it has been signalled at
// least once. This is the same semaphore type the node core uses for
// its view-write permit, reused here for its simpler "wait for first
// signal" shape.
package coordinator
