// Package semaphore implements the counting-semaphore primitives the
// node core builds its concurrency control on: a reader-biased permit
// that can go negative under concurrent readers, and a single-use
// switching permit used to serialise reconfiguration. Both are small
// state machines guarded by one mutex, the purpose-built substitute
// spec.md §9 calls out in place of the original's raw condition
// variable over an integer.
//
// Go's standard condition variable already requires callers to hold
// the guarding mutex while touching the protected value, so the
// "view-change mutex" spec.md §5 describes as a separate lock taken
// around every permit transition is, here, simply Counting's own
// internal mutex: every Increment/Decrement/Down already executes
// under it, so no second lock is needed to get the same serialisation.
package semaphore

import "sync"

// Counting is a counting semaphore whose value may go negative. It
// backs both the view permit (§5) and, at capacity 1, the switching
// permit (§5).
type Counting struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int
}

// NewCounting returns a semaphore initialised to value.
func NewCounting(value int) *Counting {
	c := &Counting{value: value}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Value returns the current permit count. Exposed for tests and
// diagnostics only; callers must not use it to decide whether to
// acquire, since it can race with concurrent transitions.
func (c *Counting) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// DecrementNonBlocking implements the reader-side acquisition: it
// never blocks and may drive the permit negative, signalling "a
// reader is present" to any writer in DownBlocking, which then waits
// until every such reader has released via Increment.
func (c *Counting) DecrementNonBlocking() {
	c.mu.Lock()
	c.value--
	c.mu.Unlock()
}

// Increment releases one permit, whether held by a reader or by a
// writer completing a DownBlocking/TryDown. It wakes any writer
// blocked in DownBlocking waiting for the count to reach the
// threshold it needs.
func (c *Counting) Increment() {
	c.mu.Lock()
	c.value++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// DownBlocking implements the writer-side exclusive acquisition: it
// blocks until the permit count is at least 1 (i.e. no readers are
// currently holding it down), then decrements.
func (c *Counting) DownBlocking() {
	c.mu.Lock()
	for c.value < 1 {
		c.cond.Wait()
	}
	c.value--
	c.mu.Unlock()
}

// TryDown attempts a non-blocking exclusive acquisition, returning
// false immediately if the permit count is below 1. Used by the
// switching permit: at most one reshard may be mid-flight, and a
// second PREPARE must be refused rather than queued.
func (c *Counting) TryDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value < 1 {
		return false
	}
	c.value--
	return true
}

// WaitThenRelease blocks until the permit is available, immediately
// re-releases it, and returns. This is the switching permit's "wait"
// operation (down-then-up): a caller that lost the TryDown race uses
// it to block until the permit holder finishes, then proceeds under
// the assumption that the original caller completed the switch.
func (c *Counting) WaitThenRelease() {
	c.DownBlocking()
	c.Increment()
}
