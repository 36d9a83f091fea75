// Package vectorclock implements the causal ordering primitive used
// throughout kvmesh: a per-address counter map tie-broken by a physical
// timestamp when two clocks carry identical counters.
//
// VectorClock is a pure value type. Every operation below returns a new
// clock; none mutates its receiver or arguments. This mirrors the
// original C++ VectorClock (see original_source/VectorClock.h), which
// makes the same guarantee so that a clock cached inside a DataVersion
// can never be invalidated by a later compare or merge elsewhere.
package vectorclock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Order is the result of comparing two vector clocks.
type Order int

const (
	// Equal indicates both clocks carry identical counters for every
	// address (ties are then broken by physical timestamp upstream in
	// isMax, never inside Compare itself).
	Equal Order = iota
	// LessThan indicates the receiver happened-before the argument.
	LessThan
	// GreaterThan indicates the receiver happened-after the argument.
	GreaterThan
	// Concurrent indicates neither clock happened-before the other.
	Concurrent
)

func (o Order) String() string {
	switch o {
	case Equal:
		return "Equal"
	case LessThan:
		return "LessThan"
	case GreaterThan:
		return "GreaterThan"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Clock is an immutable vector clock: one non-negative counter per
// node address, plus the physical time it was last touched.
//
// The zero value is the empty clock (all addresses implicitly at 0).
// Clock is safe to share across goroutines because every method that
// would otherwise mutate it instead returns a new value.
type Clock struct {
	counters  map[string]int64
	timestamp time.Time
}

// New returns the zero clock, stamped with the current time.
func New() Clock {
	return Clock{timestamp: time.Now()}
}

// Get returns the counter for addr, or 0 if addr has never been seen.
func (c Clock) Get(addr string) int64 {
	return c.counters[addr]
}

// Addrs returns the set of addresses this clock carries a counter for,
// in sorted order for deterministic iteration (used by String and by
// callers that need a stable fan-out order).
func (c Clock) Addrs() []string {
	addrs := make([]string, 0, len(c.counters))
	for a := range c.counters {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}

// Compare reports the causal relationship of a to b: for every address
// present in either clock, let d = a[addr] - b[addr]; the signs of d
// across all addresses must agree (or be zero) for a strict LessThan
// or GreaterThan result, otherwise the clocks are Concurrent. Ties
// (all deltas zero) resolve to Equal here; GreaterThan-on-recency is
// only applied by IsMax, never by Compare, so Compare stays a pure
// partial order with no physical-time smuggling.
func Compare(a, b Clock) Order {
	seen := make(map[string]struct{}, len(a.counters)+len(b.counters))
	for addr := range a.counters {
		seen[addr] = struct{}{}
	}
	for addr := range b.counters {
		seen[addr] = struct{}{}
	}

	sign := 0
	for addr := range seen {
		d := a.counters[addr] - b.counters[addr]
		var newSign int
		switch {
		case d > 0:
			newSign = 1
		case d < 0:
			newSign = -1
		}

		switch {
		case sign == 0:
			sign = newSign
		case newSign == 0 || newSign == sign:
			continue
		default:
			return Concurrent
		}
	}

	switch sign {
	case 1:
		return GreaterThan
	case -1:
		return LessThan
	default:
		return Equal
	}
}

// IsMax reports whether a should be treated as the winner between a
// and b: true unless Compare(a, b) == LessThan, with physical-time
// tie-break when the counters are Equal or Concurrent (the more
// recently touched clock wins). This matches original_source's
// VectorClock::isMax exactly, including its asymmetric tie-break on
// equal timestamps (a wins ties).
func IsMax(a, b Clock) bool {
	switch Compare(a, b) {
	case LessThan:
		return false
	case GreaterThan:
		return true
	default:
		return !b.timestamp.After(a.timestamp)
	}
}

// Merge returns a new clock holding the componentwise maximum of a and
// b's counters, stamped with the current time.
func Merge(a, b Clock) Clock {
	out := make(map[string]int64, len(a.counters)+len(b.counters))
	for addr, v := range a.counters {
		out[addr] = v
	}
	for addr, v := range b.counters {
		if v > out[addr] {
			out[addr] = v
		}
	}
	return Clock{counters: out, timestamp: time.Now()}
}

// Add returns a new clock equal to a with addr's counter incremented
// by delta, stamped with the current time.
func Add(a Clock, addr string, delta int64) Clock {
	out := make(map[string]int64, len(a.counters)+1)
	for k, v := range a.counters {
		out[k] = v
	}
	out[addr] += delta
	return Clock{counters: out, timestamp: time.Now()}
}

const physicalTimeLayout = "01/02/06:15:04:05"

// String renders the clock using kvmesh's wire encoding:
//
//	"PhysicalTime:MM/DD/YY:HH:MM:SS addr1;c1 addr2;c2 …"
//
// The leading token is always present, even for the zero clock (whose
// timestamp defaults to the Unix epoch). Node pairs are space
// separated and sorted by address for determinism.
func (c Clock) String() string {
	ts := c.timestamp
	if ts.IsZero() {
		ts = time.Unix(0, 0).UTC()
	}

	var b strings.Builder
	b.WriteString("PhysicalTime:")
	b.WriteString(ts.UTC().Format(physicalTimeLayout))

	for _, addr := range c.Addrs() {
		b.WriteByte(' ')
		b.WriteString(addr)
		b.WriteByte(';')
		b.WriteString(strconv.FormatInt(c.counters[addr], 10))
	}
	return b.String()
}

// Parse decodes a clock from kvmesh's wire encoding. An empty string
// denotes the zero clock. Parse is the inverse of String to one-second
// timestamp resolution (R3 in spec.md's testable properties).
func Parse(s string) (Clock, error) {
	if s == "" {
		return Clock{}, nil
	}

	fields := strings.Split(s, " ")
	ts, err := time.Parse(physicalTimeLayout, strings.TrimPrefix(fields[0], "PhysicalTime:"))
	if err != nil {
		return Clock{}, fmt.Errorf("vectorclock: parse physical time %q: %w", fields[0], err)
	}

	var counters map[string]int64
	if len(fields) > 1 {
		counters = make(map[string]int64, len(fields)-1)
	}
	for _, pair := range fields[1:] {
		if pair == "" {
			continue
		}
		addr, countStr, ok := strings.Cut(pair, ";")
		if !ok {
			return Clock{}, fmt.Errorf("vectorclock: malformed pair %q", pair)
		}
		n, err := strconv.ParseInt(countStr, 10, 64)
		if err != nil {
			return Clock{}, fmt.Errorf("vectorclock: malformed counter %q: %w", pair, err)
		}
		counters[addr] = n
	}

	return Clock{counters: counters, timestamp: ts}, nil
}
