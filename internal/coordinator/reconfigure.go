package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/kvmesh/internal/rpc"
	"github.com/dreamware/kvmesh/internal/shardscheme"
)

// ErrReshardRejected is returned by Reshard when the fault-tolerance
// guard of spec.md §4.1 trips: a shard count that leaves fewer than
// two nodes per shard on average is rejected outright, the scheme is
// never mutated, and no PREPARE/SWITCH round is attempted (S6).
var ErrReshardRejected = fmt.Errorf("coordinator: reshard rejected, 2*numShards exceeds node count")

// AddNode computes the scheme that results from adding addr to cur and
// drives it live via UpdateShardScheme, returning the new scheme once
// at least one node per shard has acknowledged.
func AddNode(ctx context.Context, client *rpc.Client, cur shardscheme.Scheme, addr string, log *zap.Logger) shardscheme.Scheme {
	next := shardscheme.AddNode(cur, addr)
	UpdateShardScheme(ctx, client, next, log)
	return next
}

// DelNode computes the scheme that results from removing addr from
// cur and drives it live via UpdateShardScheme. Per spec.md §9's open
// question, removing an address absent from cur is a no-op: the
// returned scheme is cur itself, unchanged version included, and no
// reconfiguration round is run.
func DelNode(ctx context.Context, client *rpc.Client, cur shardscheme.Scheme, addr string, log *zap.Logger) shardscheme.Scheme {
	next := shardscheme.DelNode(cur, addr)
	if next.Version() == cur.Version() {
		return next
	}
	UpdateShardScheme(ctx, client, next, log)
	return next
}

// Reshard computes the scheme that repartitions cur into numShards
// shards and drives it live via UpdateShardScheme, enforcing the
// fault-tolerance guard spec.md §4.1 assigns to "the node core, not"
// ShardScheme itself: a cluster of N nodes refuses any reshard whose
// 2*numShards exceeds N, since a shard with fewer than 2 replicas on
// average loses all tolerance for a single node's failure (S6).
func Reshard(ctx context.Context, client *rpc.Client, cur shardscheme.Scheme, numShards int, log *zap.Logger) (shardscheme.Scheme, error) {
	if 2*numShards > cur.NumNodes() {
		return shardscheme.Scheme{}, ErrReshardRejected
	}

	next, err := shardscheme.Reshard(cur, numShards)
	if err != nil {
		return shardscheme.Scheme{}, err
	}
	UpdateShardScheme(ctx, client, next, log)
	return next, nil
}
