// Package datastore implements the node-local key-value map: a plain
// map from key to DataVersion guarded by one mutex, the same
// structural idiom as the teacher's storage.MemoryStore, generalized
// to store a (value, VectorClock) pair instead of raw bytes and to
// preserve tombstones (empty-value entries) rather than deleting them.
package datastore

import (
	"sync"

	"github.com/dreamware/kvmesh/internal/vectorclock"
	"github.com/dreamware/kvmesh/internal/wire"
)

// DataVersion is a value stamped with the vector clock that produced
// it. An empty Value denotes a tombstone — the key was deleted, but
// the entry must survive (not be treated as absent) until gossip has
// had a chance to propagate the deletion.
type DataVersion struct {
	Value string
	Clock vectorclock.Clock
}

// IsTombstone reports whether dv represents a deletion.
func (dv DataVersion) IsTombstone() bool {
	return dv.Value == ""
}

// Store is the node-local datastore: a mutex-guarded map from key to
// DataVersion. Unlike MemoryStore, callers needing the "local-data
// lock" spec.md §5 describes (held across the reshard SWITCH's
// iterate-and-forward loop) can take it explicitly via Lock/Unlock.
type Store struct {
	mu   sync.Mutex
	data map[string]DataVersion
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]DataVersion)}
}

// Get returns the DataVersion for key, the local half of the causal
// read path (spec.md §4.4) and of directGet (§4.3).
func (s *Store) Get(key string) (DataVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dv, ok := s.data[key]
	return dv, ok
}

// Put overwrites key's entry, used by PUT, DELETE (with a tombstone
// DataVersion), and the causal read path's reconciliation write-back.
func (s *Store) Put(key string, dv DataVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = dv
}

// Has reports whether key has a live (non-tombstone) entry locally.
// No cross-replica check — best-effort, per spec.md §4.4.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dv, ok := s.data[key]
	return ok && !dv.IsTombstone()
}

// Count returns the number of locally-held entries with a non-empty
// value (tombstones are not counted).
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, dv := range s.data {
		if !dv.IsTombstone() {
			n++
		}
	}
	return n
}

// SyncData merges a decoded gossip blob into the store: for each
// entry, local is overwritten iff it is absent or it is not the
// isMax winner against the incoming version. This is the anti-entropy
// merge of spec.md §4.3 and the invariant R4 exercises.
func (s *Store) SyncData(entries []wire.GossipEntry) error {
	for _, e := range entries {
		clock, err := vectorclock.Parse(e.Clock)
		if err != nil {
			return err
		}
		incoming := DataVersion{Value: e.Value, Clock: clock}

		s.mu.Lock()
		local, ok := s.data[e.Key]
		if !ok || !vectorclock.IsMax(local.Clock, incoming.Clock) {
			s.data[e.Key] = incoming
		}
		s.mu.Unlock()
	}
	return nil
}

// Serialize renders the whole store as a gossip blob (spec.md §6),
// the payload pushed to a random shard peer by the anti-entropy loop.
func (s *Store) Serialize() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b []byte
	for key, dv := range s.data {
		b = append(b, wire.EncodeGossipEntry(key, dv.Clock.String(), dv.Value)...)
	}
	return string(b)
}

// Drain locks the store, then for every entry invokes visit(key, dv)
// and removes the entry, continuing until the store is empty. This is
// the local-data-lock-held iteration SWITCH performs: every key is
// either folded into the prepared datastore or handed off to the new
// owner over the wire, and either way it no longer belongs here once
// SWITCH completes (spec.md §4.7).
func (s *Store) Drain(visit func(key string, dv DataVersion)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, dv := range s.data {
		visit(key, dv)
		delete(s.data, key)
	}
}

// Lock and Unlock expose the store's own mutex as spec.md §5's
// "local-data lock" for callers that must hold it across a single
// read-modify-write without going through Put/Get's own internal
// locking twice. The node core does not call them; its reshardMove
// handler writes through Put.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// PutLocked is Put without acquiring the lock; the caller must hold
// it (via Lock) already.
func (s *Store) PutLocked(key string, dv DataVersion) {
	s.data[key] = dv
}
