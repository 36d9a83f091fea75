// Package retry implements the two detached-retry-loop shapes
// spec.md §4.8 describes: retry a single address until success, or
// retry across a round-robin address set until success. Both loops
// swallow transport errors and keep going until the caller's onResult
// callback reports success or the stop channel closes.
//
// spec.md §9 flags a memory-safety bug in the original: the success
// flag a retry loop's detached task writes to is captured by
// reference into a stack frame that can outlive the task, so a late
// response corrupts memory. That failure mode has no Go analogue —
// closures here capture their variables on the heap for as long as
// anything references them — but the fix is still applied in spirit:
// onResult and the loop's state are owned by values the caller holds
// (a stop channel, a result slice guarded by its own mutex), never by
// anything that could be freed while a goroutine still touches it.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Pause is the interval between failed attempts. spec.md §4.8 says
// "no exponential backoff", which we read as "no backoff growth", not
// "no pause at all" — a zero-delay loop against a genuinely down peer
// would pin a CPU core, which the original's blocking-socket retry
// loop never risked.
const Pause = 50 * time.Millisecond

// Send performs one RPC attempt and reports its outcome.
type Send func(ctx context.Context) (resp string, status int, err error)

// OnResult is invoked after every attempt. Returning true stops the
// loop (success); false retries.
type OnResult func(resp string, status int, err error) bool

// Until repeatedly calls send until onResult reports success or stop
// closes.
func Until(ctx context.Context, send Send, onResult OnResult, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		resp, status, err := send(ctx)
		if onResult(resp, status, err) {
			return
		}

		select {
		case <-stop:
			return
		case <-time.After(Pause):
		}
	}
}

// AddrSend performs one RPC attempt against a specific address.
type AddrSend func(ctx context.Context, addr string) (resp string, status int, err error)

// RoundRobin retries across addrs in round-robin order, starting from
// a random offset, until onResult reports success or stop closes.
// A nil or empty addrs is a no-op.
func RoundRobin(ctx context.Context, addrs []string, send AddrSend, onResult OnResult, stop <-chan struct{}) {
	if len(addrs) == 0 {
		return
	}

	idx := rand.Intn(len(addrs))
	for {
		select {
		case <-stop:
			return
		default:
		}

		addr := addrs[idx]
		resp, status, err := send(ctx, addr)
		if onResult(resp, status, err) {
			return
		}

		idx = (idx + 1) % len(addrs)
		select {
		case <-stop:
			return
		case <-time.After(Pause):
		}
	}
}
