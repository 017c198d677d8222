// Package metrics exposes the Prometheus counters and gauges for the
// neighbor-resolution subsystem: solicits sent, probe timeouts, bridge
// ring drops, and held-packet queue occupancy. Grounded on
// pkg/metrics/prometheus/cache.go's promauto.With(reg) pattern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge the control loop and data plane
// record. A nil *Metrics is safe to call methods on (every method below
// returns early on a nil receiver) so callers don't need to branch on
// whether metrics are enabled.
type Metrics struct {
	solicitsSent    *prometheus.CounterVec
	probesTimedOut  *prometheus.CounterVec
	nexthopsByState *prometheus.GaugeVec
	bridgePosted    prometheus.Counter
	bridgeDropped   prometheus.Counter
	heldPackets     *prometheus.GaugeVec
	heldDropped     *prometheus.CounterVec
	poolInUse       *prometheus.GaugeVec
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// registerer across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		solicitsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ferrule_solicits_sent_total",
			Help: "ARP requests and NDP neighbor solicitations sent, by family.",
		}, []string{"family"}),
		probesTimedOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ferrule_probes_timed_out_total",
			Help: "Probe timer expiries that did not receive a reply, by family.",
		}, []string{"family"}),
		nexthopsByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferrule_nexthops",
			Help: "Current nexthop count by family and resolution state.",
		}, []string{"family", "state"}),
		bridgePosted: f.NewCounter(prometheus.CounterOpts{
			Name: "ferrule_bridge_posted_total",
			Help: "Events successfully posted from the data plane to the control loop.",
		}),
		bridgeDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ferrule_bridge_dropped_total",
			Help: "Events dropped because the control bridge ring was full (AGAIN).",
		}),
		heldPackets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferrule_held_packets",
			Help: "Packets currently queued awaiting resolution, by family.",
		}, []string{"family"}),
		heldDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ferrule_held_packets_dropped_total",
			Help: "Packets dropped because a nexthop's hold queue was full.",
		}, []string{"family"}),
		poolInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferrule_pool_in_use",
			Help: "Allocated slots in the nexthop pool, by family.",
		}, []string{"family"}),
	}
}

// Handler returns the HTTP handler the control API's server mounts at
// /metrics when gathering from reg.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SolicitSent(family string) {
	if m == nil {
		return
	}
	m.solicitsSent.WithLabelValues(family).Inc()
}

func (m *Metrics) ProbeTimedOut(family string) {
	if m == nil {
		return
	}
	m.probesTimedOut.WithLabelValues(family).Inc()
}

func (m *Metrics) SetNexthopCount(family, state string, n float64) {
	if m == nil {
		return
	}
	m.nexthopsByState.WithLabelValues(family, state).Set(n)
}

func (m *Metrics) BridgePosted() {
	if m == nil {
		return
	}
	m.bridgePosted.Inc()
}

func (m *Metrics) BridgeDropped() {
	if m == nil {
		return
	}
	m.bridgeDropped.Inc()
}

func (m *Metrics) SetHeldPackets(family string, n float64) {
	if m == nil {
		return
	}
	m.heldPackets.WithLabelValues(family).Set(n)
}

func (m *Metrics) HeldPacketDropped(family string) {
	if m == nil {
		return
	}
	m.heldDropped.WithLabelValues(family).Inc()
}

func (m *Metrics) SetPoolInUse(family string, n float64) {
	if m == nil {
		return
	}
	m.poolInUse.WithLabelValues(family).Set(n)
}
