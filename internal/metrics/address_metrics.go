// =============================================================================
// ADDRESS METRICS - PUBLISH OUTCOMES AND FLOW TRANSITIONS
// =============================================================================
//
// AddressMetrics is an address.Observer: every address reports its publish
// outcomes and state transitions here as they happen.
//
//   ┌───────────────────────────────────┬───────────────┬───────────────────┐
//   │ Metric                            │ Type          │ Labels            │
//   ├───────────────────────────────────┼───────────────┼───────────────────┤
//   │ address_messages_published_total  │ counter       │ address, outcome  │
//   │ address_bytes_published_total     │ counter       │ address           │
//   │ address_paging                    │ gauge (0/1)   │ address           │
//   │ address_blocked                   │ gauge (0/1)   │ address           │
//   │ address_flow_transitions_total    │ counter       │ address, state    │
//   │ address_corrupt_records_total     │ counter       │ address           │
//   └───────────────────────────────────┴───────────────┴───────────────────┘
//
// Useful PromQL:
//   rate(addrbroker_address_messages_published_total{outcome="dropped"}[5m])
//   increase(addrbroker_address_flow_transitions_total{state="blocked"}[1h])
//
// =============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"addrbroker/internal/address"
)

// AddressMetrics tracks per-address events.
type AddressMetrics struct {
	MessagesPublished *prometheus.CounterVec
	BytesPublished    *prometheus.CounterVec
	Paging            *prometheus.GaugeVec
	Blocked           *prometheus.GaugeVec
	FlowTransitions   *prometheus.CounterVec
	CorruptRecords    *prometheus.CounterVec

	registry *Registry
}

var _ address.Observer = (*AddressMetrics)(nil)

func newAddressMetrics(r *Registry) *AddressMetrics {
	m := &AddressMetrics{registry: r}

	m.MessagesPublished = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "address",
			Name:      "messages_published_total",
			Help:      "Publish attempts by outcome (delivered, paged, duplicate, unrouted, dropped)",
		},
		[]string{"address", "outcome"},
	)

	m.BytesPublished = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "address",
			Name:      "bytes_published_total",
			Help:      "Encoded bytes of delivered and paged messages",
		},
		[]string{"address"},
	)

	m.Paging = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "address",
			Name:      "paging",
			Help:      "1 while the address routes new messages to page files",
		},
		[]string{"address"},
	)

	m.Blocked = r.newGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "address",
			Name:      "blocked",
			Help:      "1 while flow control rejects or holds producers",
		},
		[]string{"address"},
	)

	m.FlowTransitions = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "address",
			Name:      "flow_transitions_total",
			Help:      "Flow control transitions by new state (blocked, unblocked)",
		},
		[]string{"address", "state"},
	)

	m.CorruptRecords = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "address",
			Name:      "corrupt_records_total",
			Help:      "Page records skipped because they failed their checksum",
		},
		[]string{"address"},
	)

	return m
}

func (m *AddressMetrics) MessagePublished(addr string, outcome address.Outcome, bytes int64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.MessagesPublished.WithLabelValues(addr, string(outcome)).Inc()
	if outcome == address.OutcomeDelivered || outcome == address.OutcomePaged {
		m.BytesPublished.WithLabelValues(addr).Add(float64(bytes))
	}
}

func (m *AddressMetrics) PagingChanged(addr string, paging bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Paging.WithLabelValues(addr).Set(boolGauge(paging))
}

func (m *AddressMetrics) FlowChanged(addr string, blocked bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	state := "unblocked"
	if blocked {
		state = "blocked"
	}
	m.Blocked.WithLabelValues(addr).Set(boolGauge(blocked))
	m.FlowTransitions.WithLabelValues(addr, state).Inc()
}

func (m *AddressMetrics) CorruptRecord(addr string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.CorruptRecords.WithLabelValues(addr).Inc()
}

// Forget drops every series of a deleted address.
func (m *AddressMetrics) Forget(addr string) {
	if m == nil || !m.registry.enabled {
		return
	}
	labels := prometheus.Labels{"address": addr}
	m.MessagesPublished.DeletePartialMatch(labels)
	m.BytesPublished.DeletePartialMatch(labels)
	m.Paging.DeletePartialMatch(labels)
	m.Blocked.DeletePartialMatch(labels)
	m.FlowTransitions.DeletePartialMatch(labels)
	m.CorruptRecords.DeletePartialMatch(labels)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
