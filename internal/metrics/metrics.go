// Package metrics provides Prometheus instrumentation for the gateway.
// All recording methods are safe on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors of the gateway.
type Metrics struct {
	// Broker metrics
	Publishes   *prometheus.CounterVec
	Backups     *prometheus.CounterVec
	Resends     *prometheus.CounterVec
	Inbound     *prometheus.CounterVec
	BrokerState prometheus.Gauge

	// Handler metrics
	Handled *prometheus.CounterVec

	// Dashboard metrics
	Clients   prometheus.Gauge
	Multicast *prometheus.CounterVec
	Sessions  *prometheus.CounterVec

	// Export metrics
	Exports *prometheus.CounterVec
}

// New registers every collector on reg. A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wiogate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Publishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publishes_total",
				Help:      "Outbound publishes by result",
			},
			[]string{"result"},
		),
		Backups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "backups_total",
				Help:      "Backup store writes by result",
			},
			[]string{"result"},
		),
		Resends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "resends_total",
				Help:      "Backup redelivery attempts by result",
			},
			[]string{"result"},
		),
		Inbound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "inbound_messages_total",
				Help:      "Inbound messages by topic and whether a handler was registered",
			},
			[]string{"topic", "handled"},
		),
		BrokerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "broker_state",
				Help:      "Broker connection state (0 connected, 1 disconnected, 2 stale)",
			},
		),
		Handled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingestion",
				Name:      "messages_total",
				Help:      "Device messages processed by handler and outcome",
			},
			[]string{"handler", "outcome"},
		),
		Clients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Connected dashboard sockets",
			},
		),
		Multicast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "multicast_total",
				Help:      "Per-socket enqueue attempts by result",
			},
			[]string{"result"},
		),
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "handshakes_total",
				Help:      "Socket handshakes by result",
			},
			[]string{"result"},
		),
		Exports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "exports_total",
				Help:      "Telemetry export batches by result",
			},
			[]string{"result"},
		),
	}
}

// PublishResult counts one outbound publish.
func (m *Metrics) PublishResult(result string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(result).Inc()
}

// BackupResult counts one backup store write.
func (m *Metrics) BackupResult(result string) {
	if m == nil {
		return
	}
	m.Backups.WithLabelValues(result).Inc()
}

// ResendResult counts one redelivery attempt.
func (m *Metrics) ResendResult(result string) {
	if m == nil {
		return
	}
	m.Resends.WithLabelValues(result).Inc()
}

// InboundMessage counts one message received from the broker.
func (m *Metrics) InboundMessage(topic string, handled bool) {
	if m == nil {
		return
	}
	label := "false"
	if handled {
		label = "true"
	}
	m.Inbound.WithLabelValues(topic, label).Inc()
}

// SetBrokerState records the numeric broker state.
func (m *Metrics) SetBrokerState(state int) {
	if m == nil {
		return
	}
	m.BrokerState.Set(float64(state))
}

// HandlerOutcome counts one processed device message.
func (m *Metrics) HandlerOutcome(handler, outcome string) {
	if m == nil {
		return
	}
	m.Handled.WithLabelValues(handler, outcome).Inc()
}

// ClientJoined and ClientLeft track connected sockets.
func (m *Metrics) ClientJoined() {
	if m == nil {
		return
	}
	m.Clients.Inc()
}

func (m *Metrics) ClientLeft() {
	if m == nil {
		return
	}
	m.Clients.Dec()
}

// MulticastResult counts one enqueue to one socket.
func (m *Metrics) MulticastResult(result string) {
	if m == nil {
		return
	}
	m.Multicast.WithLabelValues(result).Inc()
}

// HandshakeResult counts one socket handshake.
func (m *Metrics) HandshakeResult(result string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(result).Inc()
}

// ExportResult counts one telemetry export batch.
func (m *Metrics) ExportResult(result string) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(result).Inc()
}
