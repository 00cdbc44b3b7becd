package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection sides used as label values.
const (
	SideSource   = "source"
	SideReceiver = "receiver"
)

var (
	Registry = prometheus.NewRegistry()

	HandshakesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "handshakes_sent_total",
			Help:      "Total number of handshake messages sent.",
		},
		[]string{"kind"},
	)

	HandshakesSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "handshakes_suppressed_total",
			Help:      "Total number of handshake messages not sent because of test bits.",
		},
		[]string{"kind"},
	)

	HandshakesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "handshakes_received_total",
			Help:      "Total number of handshake messages received.",
		},
		[]string{"kind"},
	)

	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "handshake_retries_total",
			Help:      "Total number of handshake messages resent after timeout.",
		},
		[]string{"kind"},
	)

	GiveUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "handshake_give_ups_total",
			Help:      "Total number of connections forced to stop after exhausting retries.",
		},
		[]string{"side"},
	)

	ProtocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed handshake messages dropped.",
		},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "active_connections",
			Help:      "Current number of connections between start and stop.",
		},
		[]string{"side"},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "connection_state_transitions_total",
			Help:      "Total number of connection state transitions by target state.",
		},
		[]string{"side", "state"},
	)
)

func init() {
	Registry.MustRegister(HandshakesSent, HandshakesSuppressed, HandshakesReceived, Retries, GiveUps,
		ProtocolErrors, ActiveConnections, StateTransitions)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
