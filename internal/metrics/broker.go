package metrics

import "github.com/prometheus/client_golang/prometheus"

// BrokerMetrics records broker lifecycle events. It satisfies
// broker.Recorder. Levels (live connections, channels, users) come from
// StatsCollector instead.
type BrokerMetrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec
	ConnectionsReaped prometheus.Counter
	MessagesSent      prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
}

// NewBrokerMetrics creates and registers broker metrics on the given registry.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	const subsystem = "broker"
	m := &BrokerMetrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Total number of accepted connections.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections by close reason.",
		}, []string{"reason"}),
		ConnectionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_reaped_total",
			Help:      "Total number of connections removed by the health monitor.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total number of frames written to connections.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total number of inbound frames by message type.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsClosed,
		m.ConnectionsReaped,
		m.MessagesSent,
		m.MessagesReceived,
	)
	return m
}

func (m *BrokerMetrics) ConnectionOpened() { m.ConnectionsTotal.Inc() }

func (m *BrokerMetrics) ConnectionClosed(reason string) {
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

func (m *BrokerMetrics) ConnectionReaped() { m.ConnectionsReaped.Inc() }

func (m *BrokerMetrics) MessageSent() { m.MessagesSent.Inc() }

func (m *BrokerMetrics) MessageReceived(kind string) {
	m.MessagesReceived.WithLabelValues(kind).Inc()
}
