package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the flow's Prometheus collectors.
type Metrics struct {
	Registry *prometheus.Registry

	routed   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	errors   *prometheus.CounterVec
	status   *prometheus.GaugeVec
	rxEvents *prometheus.CounterVec
	txEvents *prometheus.CounterVec
	rxState  *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a fresh registry, so several
// engines (and tests) never collide on the default one.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{Registry: reg}

	m.routed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages delivered to a node inbox",
		},
		[]string{"node"},
	)
	m.dropped = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because the target inbox stayed full",
		},
		[]string{"node"},
	)
	m.errors = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_errors_total",
			Help:      "Errors returned or panics raised by node input handlers",
		},
		[]string{"node"},
	)
	m.status = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_status",
			Help:      "Node health: 1 green, 0.5 yellow, 0 red, -1 grey",
		},
		[]string{"node", "type"},
	)
	m.rxEvents = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_events_total",
			Help:      "Events received from PTT streams",
		},
		[]string{"node", "event_type"},
	)
	m.txEvents = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_events_total",
			Help:      "Events sent to PTT groups by result",
		},
		[]string{"node", "result"},
	)
	m.rxState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rx_session_state",
			Help:      "Current RX session state as its numeric value",
		},
		[]string{"node"},
	)
	return m
}

func (m *Metrics) Routed(node string)  { m.routed.WithLabelValues(node).Inc() }
func (m *Metrics) Dropped(node string) { m.dropped.WithLabelValues(node).Inc() }
func (m *Metrics) Errored(node string) { m.errors.WithLabelValues(node).Inc() }

// RXEvent counts one received event.
func (m *Metrics) RXEvent(node, eventType string) {
	m.rxEvents.WithLabelValues(node, eventType).Inc()
}

// TXEvent counts one send attempt outcome ("ok", "error", "rejected").
func (m *Metrics) TXEvent(node, result string) {
	m.txEvents.WithLabelValues(node, result).Inc()
}

// RXState records the session state of an rx node.
func (m *Metrics) RXState(node string, state int) {
	m.rxState.WithLabelValues(node).Set(float64(state))
}

// NodeStatus records a status badge.
func (m *Metrics) NodeStatus(node, typ string, s Status) {
	v := -1.0
	switch s.Fill {
	case FillGreen:
		v = 1
	case FillYellow:
		v = 0.5
	case FillRed:
		v = 0
	}
	m.status.WithLabelValues(node, typ).Set(v)
}
