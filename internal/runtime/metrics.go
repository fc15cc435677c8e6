package runtime

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/ella/internal/runtime/handles"
)

// nodeMetrics holds the Prometheus collectors of one node. Every collector
// carries the node id as a constant label so several nodes can share a
// registerer.
type nodeMetrics struct {
	received      *prometheus.CounterVec
	sent          *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	deliveries    prometheus.Counter
	panics        prometheus.Counter
	knownNodes    prometheus.Gauge
	subscriptions prometheus.Gauge
}

// newNodeCounterVec creates a counter vec in the ella/node namespace.
func newNodeCounterVec(node handles.NodeID, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "ella",
			Subsystem:   "node",
			Name:        name,
			Help:        help,
			ConstLabels: nodeLabels(node),
		},
		labels,
	)
}

func newNodeCounter(node handles.NodeID, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "ella",
		Subsystem:   "node",
		Name:        name,
		Help:        help,
		ConstLabels: nodeLabels(node),
	})
}

func newNodeGauge(node handles.NodeID, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "ella",
		Subsystem:   "node",
		Name:        name,
		Help:        help,
		ConstLabels: nodeLabels(node),
	})
}

func nodeLabels(node handles.NodeID) prometheus.Labels {
	return prometheus.Labels{"node": strconv.Itoa(int(node))}
}

func newNodeMetrics(node handles.NodeID) *nodeMetrics {
	return &nodeMetrics{
		received:      newNodeCounterVec(node, "messages_received_total", "Wire messages received from other nodes", []string{"type"}),
		sent:          newNodeCounterVec(node, "messages_sent_total", "Wire messages handed to the transport", []string{"type"}),
		dropped:       newNodeCounterVec(node, "messages_dropped_total", "Wire messages dropped before or while sending", []string{"reason"}),
		deliveries:    newNodeCounter(node, "deliveries_total", "Events handed to subscriber callbacks"),
		panics:        newNodeCounter(node, "callback_panics_total", "Subscriber callbacks that panicked"),
		knownNodes:    newNodeGauge(node, "known_nodes", "Remote nodes in the node table"),
		subscriptions: newNodeGauge(node, "subscriptions", "Subscriptions held by the node, bridges included"),
	}
}

func (m *nodeMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.received,
		m.sent,
		m.dropped,
		m.deliveries,
		m.panics,
		m.knownNodes,
		m.subscriptions,
	}
}

// register adds the collectors to registerer. Collectors registered before
// by a node with the same id are left in place.
func (m *nodeMetrics) register(registerer prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}
