package node

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/kvmesh/internal/wire"
)

// SyncPeriod is the anti-entropy wake interval (spec.md §4.6).
const SyncPeriod = 150 * time.Millisecond

// SyncSalt bounds the jitter added to SyncPeriod, and is also the
// short sleep taken when gossip picks itself as the peer.
const SyncSalt = 7 * time.Millisecond

// GossipLoop runs the anti-entropy background task until ctx is
// cancelled: every SyncPeriod (plus jitter) it serialises the local
// datastore and PATCHes it to a random member of its own shard. This
// is the only mechanism that converges replicas within a shard
// (spec.md §4.6); delivery is fire-and-forget.
func (n *Node) GossipLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(SyncPeriod + jitter()):
		}
		n.gossipOnce(ctx)
	}
}

func (n *Node) gossipOnce(ctx context.Context) {
	roundID := uuid.NewString()

	n.viewHnd.AcquireRead()
	v := n.viewHnd.Load()
	_, inShard := v.MyShardID()
	if !inShard {
		n.viewHnd.ReleaseRead()
		return
	}
	peer := v.RandomPeerInShard()
	n.viewHnd.ReleaseRead()

	if peer == n.Addr {
		time.Sleep(jitter())
		return
	}

	blob := n.currentStore().Serialize()
	if blob == "" {
		return
	}

	rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	if _, _, err := v.SendMsg(rpcCtx, peer, "dataSync/push", blob, RPCTimeout); err != nil {
		n.log.Debug("gossip push failed", zap.String("round_id", roundID), zap.String("peer", peer), zap.Error(err))
		return
	}
	n.Stats.incGossip()
	n.log.Debug("gossip push sent", zap.String("round_id", roundID), zap.String("peer", peer))
}

// SyncData handles an incoming dataSync/push RPC: it decodes blob and
// merges every entry into the local store (spec.md §4.3's syncData).
func (n *Node) SyncData(blob string) error {
	entries, err := wire.DecodeGossipBlob(blob)
	if err != nil {
		return err
	}
	return n.currentStore().SyncData(entries)
}

func jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(SyncSalt) + 1))
}
