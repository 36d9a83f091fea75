// Package node implements the state machine tying every other
// package together: client-facing PUT/GET/DELETE/HAS/COUNT, the
// causal-read reconciliation path, per-key forwarding, anti-entropy
// gossip, and two-phase reshard coordination (spec.md §4.4–§4.8).
//
// A Node aggregates all mutable state itself — there is no global
// singleton anywhere in the core (spec.md §9) — and every field has
// exactly one lock guarding it: the view permit guards the View
// handle, the client-op lock guards the node clock, the datastore's
// own mutex guards the key-value map, and a small preparedMu guards
// the reshard staging slot.
package node

import (
	"context"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/kvmesh/internal/datastore"
	"github.com/dreamware/kvmesh/internal/semaphore"
	"github.com/dreamware/kvmesh/internal/shardscheme"
	"github.com/dreamware/kvmesh/internal/vectorclock"
	"github.com/dreamware/kvmesh/internal/view"
	"github.com/dreamware/kvmesh/internal/wire"
)

// FanoutTimeout bounds the whole parallel directGet fan-out a causal
// GET performs (spec.md §4.4).
const FanoutTimeout = 1000 * time.Millisecond

// RPCTimeout is the default per-call budget for inter-server RPCs
// outside the GET fan-out (spec.md §5).
const RPCTimeout = 1 * time.Second

// Node is one server process's complete mutable state.
type Node struct {
	Addr string

	log     *zap.Logger
	Stats   *OperationStats
	viewHnd *view.Handle

	clientOpMu sync.Mutex
	nodeClock  vectorclock.Clock

	storeMu sync.RWMutex
	store   *datastore.Store

	switchingPermit *semaphore.Counting
	preparedMu      sync.Mutex
	preparedView    *view.View
	preparedStore   *datastore.Store
}

// New constructs a Node bound to addr under the given initial scheme.
func New(addr string, scheme shardscheme.Scheme, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		Addr:            addr,
		log:             log,
		Stats:           &OperationStats{},
		viewHnd:         view.NewHandle(view.New(addr, scheme)),
		nodeClock:       vectorclock.New(),
		store:           datastore.New(),
		switchingPermit: semaphore.NewCounting(1),
	}
}

func (n *Node) currentStore() *datastore.Store {
	n.storeMu.RLock()
	defer n.storeMu.RUnlock()
	return n.store
}

func (n *Node) swapStore(next *datastore.Store) {
	n.storeMu.Lock()
	n.store = next
	n.storeMu.Unlock()
}

// View returns the node's current view. Exposed for the transport and
// coordinator layers (scheme version checks, admin/info responses).
func (n *Node) View() view.View {
	n.viewHnd.AcquireRead()
	defer n.viewHnd.ReleaseRead()
	return n.viewHnd.Load()
}

// mergeAndIncrement implements the shared prologue step 3 of spec.md
// §4.4: merge the caller's clock into the node clock, then increment
// the node's own entry. Callers must hold clientOpMu.
func (n *Node) mergeAndIncrement(clientClock vectorclock.Clock) vectorclock.Clock {
	merged := vectorclock.Merge(n.nodeClock, clientClock)
	merged = vectorclock.Add(merged, n.Addr, 1)
	n.nodeClock = merged
	return merged
}

// PutStatus distinguishes a fresh insert from an overwrite, per
// spec.md §4.4's PUT semantics.
type PutStatus int

const (
	PutCreated PutStatus = iota
	PutUpdated
)

// PutResult is PUT's tagged result envelope.
type PutResult struct {
	Status PutStatus
	Clock  vectorclock.Clock
}

// Put stores value under key. The write is local-only: replication to
// other shard members happens via gossip (spec.md §4.6), never
// synchronously.
func (n *Node) Put(key, value string, clientClock vectorclock.Clock) (PutResult, error) {
	if key == "" {
		return PutResult{}, &CoreError{Kind: KeyNotValid}
	}

	n.viewHnd.AcquireRead()
	defer n.viewHnd.ReleaseRead()

	n.clientOpMu.Lock()
	defer n.clientOpMu.Unlock()
	nodeClock := n.mergeAndIncrement(clientClock)

	store := n.currentStore()
	existing, existed := store.Get(key)
	status := PutCreated
	if existed && !existing.IsTombstone() {
		status = PutUpdated
	}
	store.Put(key, datastore.DataVersion{Value: value, Clock: nodeClock})
	n.Stats.incPut()

	return PutResult{Status: status, Clock: nodeClock}, nil
}

// DeleteResult is DELETE's tagged result envelope.
type DeleteResult struct {
	Deleted bool
	Clock   vectorclock.Clock
}

// Delete tombstones key. Deleting an absent or already-tombstoned key
// is a no-op that still advances the node clock.
func (n *Node) Delete(key string, clientClock vectorclock.Clock) (DeleteResult, error) {
	n.viewHnd.AcquireRead()
	defer n.viewHnd.ReleaseRead()

	n.clientOpMu.Lock()
	defer n.clientOpMu.Unlock()
	nodeClock := n.mergeAndIncrement(clientClock)

	store := n.currentStore()
	existing, existed := store.Get(key)
	if !existed || existing.IsTombstone() {
		return DeleteResult{Deleted: false, Clock: nodeClock}, nil
	}

	store.Put(key, datastore.DataVersion{Value: "", Clock: nodeClock})
	n.Stats.incDelete()
	return DeleteResult{Deleted: true, Clock: nodeClock}, nil
}

// HasResult is HAS's tagged result envelope.
type HasResult struct {
	Exists bool
	Clock  vectorclock.Clock
}

// Has reports whether key has a live local entry. Best-effort: no
// cross-replica check (spec.md §4.4).
func (n *Node) Has(key string, clientClock vectorclock.Clock) (HasResult, error) {
	n.viewHnd.AcquireRead()
	defer n.viewHnd.ReleaseRead()

	n.clientOpMu.Lock()
	defer n.clientOpMu.Unlock()
	nodeClock := n.mergeAndIncrement(clientClock)

	n.Stats.incHas()
	return HasResult{Exists: n.currentStore().Has(key), Clock: nodeClock}, nil
}

// GetResult is GET's tagged result envelope.
type GetResult struct {
	Value string
	Found bool
	Clock vectorclock.Clock
}

// Get performs the causal read of spec.md §4.4: if the local version
// already causally dominates the caller's clock it is returned
// immediately; otherwise every other shard replica is polled in
// parallel (bounded by FanoutTimeout), and the isMax winner among all
// collected versions is written back locally before being returned.
func (n *Node) Get(ctx context.Context, key string, clientClock vectorclock.Clock) (GetResult, error) {
	n.viewHnd.AcquireRead()
	defer n.viewHnd.ReleaseRead()
	v := n.viewHnd.Load()

	n.clientOpMu.Lock()
	defer n.clientOpMu.Unlock()
	nodeClock := n.mergeAndIncrement(clientClock)

	store := n.currentStore()
	local, hasLocal := store.Get(key)
	if hasLocal && vectorclock.Compare(clientClock, local.Clock) != vectorclock.GreaterThan {
		n.Stats.incGet()
		return GetResult{Value: local.Value, Found: !local.IsTombstone(), Clock: nodeClock}, nil
	}

	peers := excludeSelf(v.GetAddressesInShard(), n.Addr)

	fanoutCtx, cancel := context.WithTimeout(ctx, FanoutTimeout)
	defer cancel()

	type peerVersion struct {
		schemeVersion int
		clock         string
		value         string
	}

	var mu sync.Mutex
	var peerResults []peerVersion

	// A peer that errors or answers malformed is simply absent from the
	// reconciliation below: we still heard back from it before the
	// fan-out deadline, it just had nothing usable to contribute. A
	// peer that never answers at all before the deadline is a different
	// matter — see the g.Wait() below.
	g, gctx := errgroup.WithContext(fanoutCtx)
	for _, addr := range peers {
		addr := addr
		g.Go(func() error {
			resource := "directGet?key=" + url.QueryEscape(key)
			resp, status, err := v.SendGet(gctx, addr, resource, FanoutTimeout)
			if err != nil {
				n.log.Debug("fanout directGet failed", zap.String("peer", addr), zap.Error(err))
				return nil
			}
			if status != 200 {
				n.log.Debug("fanout directGet non-200", zap.String("peer", addr), zap.Int("status", status))
				return nil
			}
			schemeVersion, clockStr, value, err := wire.DecodeDataVersionWithScheme(resp)
			if err != nil {
				n.log.Debug("fanout directGet malformed response", zap.String("peer", addr), zap.Error(err))
				return nil
			}

			mu.Lock()
			peerResults = append(peerResults, peerVersion{schemeVersion, clockStr, value})
			mu.Unlock()
			return nil
		})
	}

	// spec.md §4.4: a timeout on the fan-out fails the whole read,
	// because a silent replica may be holding a causally consistent
	// version we can't safely ignore (spec.md §7's BadRequest). We
	// therefore distinguish "every peer answered, some just had
	// nothing to contribute" from "the window closed before every peer
	// answered" by racing g.Wait() against fanoutCtx's own deadline
	// rather than letting errgroup silently fold the latter into the
	// former. In-flight requests are not cancelled on this path (no
	// cancellation of in-flight work on timeout, spec.md §5); their
	// late results are simply never looked at.
	waitDone := make(chan struct{})
	go func() {
		g.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-fanoutCtx.Done():
		return GetResult{}, &CoreError{Kind: BadRequest}
	}

	myVersion := v.Scheme().Version()
	for _, r := range peerResults {
		if r.schemeVersion > myVersion {
			return GetResult{}, &CoreError{Kind: WrongSchemeVersion, SchemeVersion: r.schemeVersion}
		}
	}

	candidates := make([]datastore.DataVersion, 0, len(peerResults)+1)
	if hasLocal {
		candidates = append(candidates, local)
	}
	for _, r := range peerResults {
		clock, err := vectorclock.Parse(r.clock)
		if err != nil {
			return GetResult{}, err
		}
		candidates = append(candidates, datastore.DataVersion{Value: r.value, Clock: clock})
	}

	if len(candidates) == 0 {
		n.Stats.incGet()
		return GetResult{Found: false, Clock: nodeClock}, nil
	}

	winner := foldMax(candidates)

	merged := nodeClock
	for _, c := range candidates {
		merged = vectorclock.Merge(merged, c.Clock)
	}
	n.nodeClock = merged
	store.Put(key, winner)
	n.Stats.incGet()

	return GetResult{Value: winner.Value, Found: !winner.IsTombstone(), Clock: merged}, nil
}

// foldMax folds isMax across candidates to find the entry that
// dominates every other (spec.md §4.4: "the winner is the one for
// which isMax returns true against every other").
func foldMax(candidates []datastore.DataVersion) datastore.DataVersion {
	winner := candidates[0]
	for _, c := range candidates[1:] {
		if vectorclock.IsMax(c.Clock, winner.Clock) {
			winner = c
		}
	}
	return winner
}

// Count returns the number of locally-held entries with a non-empty
// value.
func (n *Node) Count() int {
	return n.currentStore().Count()
}

// DirectGet answers an inter-server directGet RPC: no causal
// reasoning, just the local entry and the current scheme version.
func (n *Node) DirectGet(key string) (datastore.DataVersion, int, bool) {
	n.viewHnd.AcquireRead()
	v := n.viewHnd.Load()
	n.viewHnd.ReleaseRead()

	dv, ok := n.currentStore().Get(key)
	return dv, v.Scheme().Version(), ok
}

// KeyToNode computes forwarding for key (spec.md §4.5): an empty
// address means "I serve it"; otherwise it names a random member of
// the shard that owns the key.
func (n *Node) KeyToNode(key string) (addr string, local bool) {
	v := n.View()
	keyHash := shardscheme.HashKey(key)
	if v.IsResponsibleFor(keyHash) {
		return "", true
	}

	shardID := v.Scheme().ResponsibleShardID(keyHash)
	members := v.Scheme().Shard(shardID).NodeList()
	if len(members) == 0 {
		return "", true
	}
	return members[rand.Intn(len(members))], false
}

func excludeSelf(addrs []string, self string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != self {
			out = append(out, a)
		}
	}
	return out
}
