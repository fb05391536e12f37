// control/prometheus.go
//
// Wires github.com/prometheus/client_golang counters for the NI drop-count
// and permissions-violations registers (spec §4.J/§8 property 6). The PPE
// (ppe.attach) registers one NIMetrics per attached NI against a private
// registry and periodically syncs each from that NI's live
// match.Registers, since those registers are plain atomic counters with
// no observer hook of their own.
//
// Grounded on runZeroInc-sockstats and yuuki-rdma_exporter's shared use of
// prometheus/client_golang for low-level network-counter exposition;
// generalizes control/metrics.go's any-valued MetricsRegistry into typed
// Prometheus collectors for this specific register set.
package control

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// NIMetrics exposes one NI's counters as Prometheus collectors.
type NIMetrics struct {
	DropCount             prometheus.Counter
	PermissionsViolations prometheus.Counter
}

// NewNIMetrics registers a fresh counter set for niIndex against reg.
func NewNIMetrics(reg prometheus.Registerer, niIndex int) (*NIMetrics, error) {
	labels := prometheus.Labels{"ni": strconv.Itoa(niIndex)}
	m := &NIMetrics{
		DropCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portals4", Name: "ni_drop_count_total",
			Help:        "Frames dropped on an unallocated or disabled portal-table entry.",
			ConstLabels: labels,
		}),
		PermissionsViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portals4", Name: "ni_permissions_violations_total",
			Help:        "Deliveries rejected by a list entry's uid/jid/op permission check.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Counter{m.DropCount, m.PermissionsViolations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Sync adds the delta between the current values of drop/permViolations
// and the last-seen totals recorded in *lastDrop/*lastPerm to m's
// counters, then updates those pointers. Prometheus counters only move
// forward, so this -- not Set -- is the correct way to mirror a pair of
// atomic.Uint64 registers sampled periodically (ppe's metricsSyncLoop
// calls it on a 200ms ticker, and deliverAndReply after each delivery).
func (m *NIMetrics) Sync(drop, permViolations uint64, lastDrop, lastPerm *uint64) {
	if drop > *lastDrop {
		m.DropCount.Add(float64(drop - *lastDrop))
		*lastDrop = drop
	}
	if permViolations > *lastPerm {
		m.PermissionsViolations.Add(float64(permViolations - *lastPerm))
		*lastPerm = permViolations
	}
}
