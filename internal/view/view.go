// Package view implements a node's point of view on the cluster: its
// own address, the current ShardScheme, and a cached shard id so
// responsibility checks don't re-scan the scheme on every call. A
// Handle adds the reader-biased permit protocol of spec.md §5 on top,
// so the view can be swapped wholesale during SWITCH without ever
// blocking concurrent readers.
package view

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dreamware/kvmesh/internal/rpc"
	"github.com/dreamware/kvmesh/internal/semaphore"
	"github.com/dreamware/kvmesh/internal/shardscheme"
)

// View is an immutable snapshot of "I am address A under scheme S".
// Once constructed it is never mutated; a reconfiguration produces a
// brand new View and swaps the Handle's pointer to it.
type View struct {
	myAddr    string
	scheme    shardscheme.Scheme
	myShardID int
	inShard   bool
}

// New builds a View for myAddr under scheme, caching myAddr's shard
// membership.
func New(myAddr string, scheme shardscheme.Scheme) View {
	id, ok := scheme.ShardIDForAddress(myAddr)
	return View{myAddr: myAddr, scheme: scheme, myShardID: id, inShard: ok}
}

// MyAddr returns the address this view is bound to.
func (v View) MyAddr() string { return v.myAddr }

// Scheme returns the scheme this view projects.
func (v View) Scheme() shardscheme.Scheme { return v.scheme }

// MyShardID returns this view's cached shard id and whether myAddr is
// actually a member of any shard.
func (v View) MyShardID() (int, bool) { return v.myShardID, v.inShard }

// IsResponsibleFor reports whether myAddr belongs to the shard that
// owns keyHash under this view's scheme.
func (v View) IsResponsibleFor(keyHash uint64) bool {
	if !v.inShard {
		return false
	}
	return v.scheme.ResponsibleShardID(keyHash) == v.myShardID
}

// GetAddressesInShard returns the addresses that share myAddr's shard.
// If myAddr is not a member of any shard, it returns the degenerate
// singleton {myAddr} per spec.md §4.2.
func (v View) GetAddressesInShard() []string {
	if !v.inShard {
		return []string{v.myAddr}
	}
	return v.scheme.Shard(v.myShardID).NodeList()
}

// RandomPeerInShard returns a uniformly random address sharing
// myAddr's shard (may be myAddr itself), used by gossip to pick its
// push target.
func (v View) RandomPeerInShard() string {
	addrs := v.GetAddressesInShard()
	return addrs[rand.Intn(len(addrs))]
}

// SendMsg fires an inter-server RPC to addr under resource, bounded by
// timeout. It is synchronous; callers that need fan-out concurrency
// (the causal read path, gossip) launch it from their own goroutines.
func (v View) SendMsg(ctx context.Context, addr, resource, body string, timeout time.Duration) (string, int, error) {
	return rpc.Default.Patch(ctx, addr, resource, body, timeout)
}

// SendGet fires the one inter-server read call, directGet.
func (v View) SendGet(ctx context.Context, addr, resource string, timeout time.Duration) (string, int, error) {
	return rpc.Default.Get(ctx, addr, resource, timeout)
}

// Handle is the permit-guarded container a Node holds: one current
// View, swapped only by a writer holding the exclusive permit, and
// read by any number of concurrent readers that never block each
// other. This is spec.md §5's "view permit protocol", with Counting's
// own mutex standing in for the separate "view-change mutex" (see
// internal/semaphore's package doc).
type Handle struct {
	permit *semaphore.Counting
	view   View
	// mu guards the view pointer itself; it is taken only for the
	// instant of a read or swap, never across an RPC or other blocking
	// call, so it never contends with the permit's own blocking.
	mu sync.Mutex
}

// NewHandle wraps an initial View in a Handle, with the view permit
// starting at 1 (available, no readers, no writer).
func NewHandle(initial View) *Handle {
	return &Handle{permit: semaphore.NewCounting(1), view: initial}
}

// AcquireRead takes a non-blocking reader permit. Callers must call
// ReleaseRead exactly once when done, and must not call it twice nor
// skip it — the permit protocol relies on balanced acquire/release.
func (h *Handle) AcquireRead() {
	h.permit.DecrementNonBlocking()
}

// ReleaseRead releases a reader permit taken by AcquireRead.
func (h *Handle) ReleaseRead() {
	h.permit.Increment()
}

// Load returns the current view. Must be called between AcquireRead
// and ReleaseRead.
func (h *Handle) Load() View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view
}

// Swap replaces the current view, blocking until no reader holds the
// permit down. It is the writer side of the protocol used by SWITCH.
func (h *Handle) Swap(next View) {
	h.permit.DownBlocking()
	h.mu.Lock()
	h.view = next
	h.mu.Unlock()
	h.permit.Increment()
}
