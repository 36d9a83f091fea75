package node

import "sync/atomic"

// OperationStats tracks per-operation counters for a Node, adapted
// from the teacher's shard.OperationStats: monotonically increasing,
// updated atomically so the hot client-op path never blocks on a
// counter. Exposed to internal/metrics for Prometheus collection and
// to the admin/info transport endpoint.
type OperationStats struct {
	Gets    uint64
	Puts    uint64
	Deletes uint64
	Has     uint64
	Gossip  uint64
}

// Snapshot returns a consistent point-in-time copy of the counters.
func (s *OperationStats) Snapshot() OperationStats {
	return OperationStats{
		Gets:    atomic.LoadUint64(&s.Gets),
		Puts:    atomic.LoadUint64(&s.Puts),
		Deletes: atomic.LoadUint64(&s.Deletes),
		Has:     atomic.LoadUint64(&s.Has),
		Gossip:  atomic.LoadUint64(&s.Gossip),
	}
}

func (s *OperationStats) incGet()    { atomic.AddUint64(&s.Gets, 1) }
func (s *OperationStats) incPut()    { atomic.AddUint64(&s.Puts, 1) }
func (s *OperationStats) incDelete() { atomic.AddUint64(&s.Deletes, 1) }
func (s *OperationStats) incHas()    { atomic.AddUint64(&s.Has, 1) }
func (s *OperationStats) incGossip() { atomic.AddUint64(&s.Gossip, 1) }
