package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded on the dropped-messages counter.
const (
	dropMalformed    = "malformed"
	dropViolation    = "role_violation"
	dropGateClosed   = "control_gate"
	dropBackpressure = "backpressure"
)

// Metrics holds the broker's Prometheus instruments.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	viewersActive   prometheus.Gauge
	sessionsCreated prometheus.Counter
	framesRelayed   prometheus.Counter
	frameBytes      prometheus.Counter
	inputsForwarded prometheus.Counter
	joinFailures    *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
}

// NewMetrics registers the broker metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenshare",
			Name:      "active_sessions",
			Help:      "Number of live screen-sharing sessions",
		}),
		viewersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "screenshare",
			Name:      "active_viewers",
			Help:      "Number of attached viewer connections across all sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "screenshare",
			Name:      "sessions_created_total",
			Help:      "Total sessions created",
		}),
		framesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "screenshare",
			Name:      "frames_relayed_total",
			Help:      "Total frame deliveries to viewers (one per viewer per frame)",
		}),
		frameBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "screenshare",
			Name:      "frame_bytes_total",
			Help:      "Total frame bytes delivered to viewers",
		}),
		inputsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "screenshare",
			Name:      "inputs_forwarded_total",
			Help:      "Total input events forwarded to sharers",
		}),
		joinFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screenshare",
			Name:      "join_failures_total",
			Help:      "Failed join attempts by reason",
		}, []string{"reason"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screenshare",
			Name:      "messages_dropped_total",
			Help:      "Inbound or outbound units dropped by reason",
		}, []string{"reason"}),
	}
}
