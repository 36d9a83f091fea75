package node

import (
	"context"
	"strconv"
	"sync"

	"github.com/dreamware/kvmesh/internal/datastore"
	"github.com/dreamware/kvmesh/internal/retry"
	"github.com/dreamware/kvmesh/internal/shardscheme"
	"github.com/dreamware/kvmesh/internal/vectorclock"
	"github.com/dreamware/kvmesh/internal/view"
	"github.com/dreamware/kvmesh/internal/wire"
)

// ReshardPrepare handles an incoming shards/prepare RPC (spec.md
// §4.7). It stages newScheme as a prepared view with an empty
// prepared datastore, refusing if another reshard is already
// mid-flight.
func (n *Node) ReshardPrepare(newScheme shardscheme.Scheme) error {
	if !n.switchingPermit.TryDown() {
		return &CoreError{Kind: PrepareRefused}
	}
	defer n.switchingPermit.Increment()

	newView := view.New(n.Addr, newScheme)
	n.preparedMu.Lock()
	n.preparedView = &newView
	n.preparedStore = datastore.New()
	n.preparedMu.Unlock()

	return nil
}

func (n *Node) loadPrepared() (*view.View, *datastore.Store) {
	n.preparedMu.Lock()
	defer n.preparedMu.Unlock()
	return n.preparedView, n.preparedStore
}

func (n *Node) clearPrepared() {
	n.preparedMu.Lock()
	n.preparedView = nil
	n.preparedStore = nil
	n.preparedMu.Unlock()
}

// ReshardSwitch handles an incoming shards/switch RPC (spec.md §4.7).
// If the current scheme is already at version, it is a no-op success.
// If a matching prepared view exists, every local entry is either
// folded into the prepared datastore (if the prepared view still owns
// it) or handed off over the wire to its new owner, and the view and
// datastore are then atomically swapped in.
func (n *Node) ReshardSwitch(ctx context.Context, version int) error {
	n.viewHnd.AcquireRead()
	cur := n.viewHnd.Load()
	if cur.Scheme().Version() == version {
		n.viewHnd.ReleaseRead()
		return nil
	}

	prepared, preparedStore := n.loadPrepared()
	if prepared == nil || prepared.Scheme().Version() != version {
		n.viewHnd.ReleaseRead()
		return &CoreError{Kind: SwitchRefused}
	}

	if !n.switchingPermit.TryDown() {
		n.viewHnd.ReleaseRead()
		n.switchingPermit.WaitThenRelease()
		return nil
	}
	defer n.switchingPermit.Increment()

	var wg sync.WaitGroup
	store := n.currentStore()
	store.Drain(func(key string, dv datastore.DataVersion) {
		keyHash := shardscheme.HashKey(key)
		if prepared.IsResponsibleFor(keyHash) {
			preparedStore.Put(key, dv)
			return
		}

		shardID := prepared.Scheme().ResponsibleShardID(keyHash)
		members := prepared.Scheme().Shard(shardID).NodeList()
		body := wire.EncodeMove(version, key, wire.EncodeDataVersion(dv.Clock.String(), dv.Value))

		wg.Add(1)
		go func(members []string, body string) {
			defer wg.Done()
			n.sendMoveUntilSuccess(ctx, *prepared, members, body)
		}(members, body)
	})
	wg.Wait()

	n.viewHnd.ReleaseRead()

	n.viewHnd.Swap(*prepared)
	n.swapStore(preparedStore)
	n.clearPrepared()

	return nil
}

func (n *Node) sendMoveUntilSuccess(ctx context.Context, v view.View, members []string, body string) {
	stop := make(chan struct{})
	retry.RoundRobin(ctx, members, func(ctx context.Context, addr string) (string, int, error) {
		return v.SendMsg(ctx, addr, "shards/move", body, RPCTimeout)
	}, func(resp string, status int, err error) bool {
		return err == nil && status == 200
	}, stop)
}

// ReshardMove handles an incoming shards/move RPC (spec.md §4.7): the
// entry is inserted into the live datastore if version matches the
// current scheme, into the prepared datastore if it matches the
// prepared scheme, or rejected otherwise.
func (n *Node) ReshardMove(version int, key, dataVersion string) error {
	clockStr, value, err := wire.DecodeDataVersion(dataVersion)
	if err != nil {
		return &CoreError{Kind: MoveRejected, Cause: err}
	}
	clock, err := vectorclock.Parse(clockStr)
	if err != nil {
		return &CoreError{Kind: MoveRejected, Cause: err}
	}
	dv := datastore.DataVersion{Value: value, Clock: clock}

	cur := n.View()
	if cur.Scheme().Version() == version {
		n.currentStore().Put(key, dv)
		return nil
	}

	prepared, preparedStore := n.loadPrepared()
	if prepared != nil && prepared.Scheme().Version() == version {
		preparedStore.Put(key, dv)
		return nil
	}

	return &CoreError{Kind: MoveRejected}
}

// ReshardVersionString renders the version the way shards/switch
// expects it on the wire. The operator entry point that drives a
// PREPARE/SWITCH round, UpdateShardScheme, lives in
// internal/coordinator, which owns the per-shard readiness
// bookkeeping; Node only implements the node-local handlers above.
func ReshardVersionString(version int) string {
	return strconv.Itoa(version)
}
