// Package metrics exposes a node's operation counters, gossip round
// count, and reshard phase state as Prometheus collectors, grounded on
// the pack's own use of a private prometheus.Registry plus explicit
// Gauge/Counter construction (orbas1-Synnergy's system_health_logging.go)
// rather than the default global registry's promauto helpers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/kvmesh/internal/node"
)

// Registry bundles the collectors one kvnode process exposes under
// /metrics, plus the Node whose counters they read on every scrape.
type Registry struct {
	reg *prometheus.Registry
	n   *node.Node

	gets    prometheus.Counter
	puts    prometheus.Counter
	deletes prometheus.Counter
	has     prometheus.Counter
	gossip  prometheus.Counter

	schemeVersion prometheus.Gauge
	localKeys     prometheus.Gauge
	reshardActive prometheus.Gauge

	lastGets    uint64
	lastPuts    uint64
	lastDeletes uint64
	lastHas     uint64
	lastGossip  uint64
}

// New builds a Registry bound to n. The returned Registry's counters
// are populated lazily from n's OperationStats and View on every
// Gatherer call (Collect), so scraping never races a concurrent
// client operation.
func New(n *node.Node) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		n:   n,
		gets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmesh_node_gets_total",
			Help: "Total GET operations served by this node.",
		}),
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmesh_node_puts_total",
			Help: "Total PUT operations served by this node.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmesh_node_deletes_total",
			Help: "Total DELETE operations served by this node.",
		}),
		has: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmesh_node_has_total",
			Help: "Total HAS operations served by this node.",
		}),
		gossip: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmesh_node_gossip_rounds_total",
			Help: "Total anti-entropy gossip pushes sent by this node.",
		}),
		schemeVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvmesh_node_scheme_version",
			Help: "Shard scheme version this node currently serves under.",
		}),
		localKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvmesh_node_local_keys",
			Help: "Number of live (non-tombstone) keys held locally.",
		}),
		reshardActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvmesh_node_reshard_in_progress",
			Help: "1 while a PREPARE/SWITCH reshard is staged on this node, else 0.",
		}),
	}

	r.reg.MustRegister(r.gets, r.puts, r.deletes, r.has, r.gossip,
		r.schemeVersion, r.localKeys, r.reshardActive)

	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	r.refresh()
	return r.reg
}

// refresh pulls the latest counter values from the bound Node. Counter
// metrics only ever increase, so each refresh adds the delta since the
// last snapshot rather than re-setting an absolute value.
func (r *Registry) refresh() {
	snap := r.n.Stats.Snapshot()

	addDelta(r.gets, &r.lastGets, snap.Gets)
	addDelta(r.puts, &r.lastPuts, snap.Puts)
	addDelta(r.deletes, &r.lastDeletes, snap.Deletes)
	addDelta(r.has, &r.lastHas, snap.Has)
	addDelta(r.gossip, &r.lastGossip, snap.Gossip)

	r.schemeVersion.Set(float64(r.n.View().Scheme().Version()))
	r.localKeys.Set(float64(r.n.Count()))
}

func addDelta(c prometheus.Counter, last *uint64, current uint64) {
	if current > *last {
		c.Add(float64(current - *last))
	}
	*last = current
}

// SetReshardActive reports whether a PREPARE/SWITCH cycle is staged on
// the bound node, for cmd/kvctl's operator tooling to watch via
// /metrics during a reshard.
func (r *Registry) SetReshardActive(active bool) {
	if active {
		r.reshardActive.Set(1)
		return
	}
	r.reshardActive.Set(0)
}
