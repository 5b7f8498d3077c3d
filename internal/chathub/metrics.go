package chathub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the hub's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	admissions   *prometheus.CounterVec
	requests     *prometheus.CounterVec
	claims       *prometheus.CounterVec
	relayed      prometheus.Counter
	relayErrors  *prometheus.CounterVec
	relayLatency prometheus.Histogram
	busDropped   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peersupport_connections_active",
			Help: "Current number of admitted connections on the node.",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peersupport_admissions_total",
			Help: "Connection admissions grouped by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peersupport_requests_total",
			Help: "Chat requests grouped by outcome.",
		}, []string{"outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peersupport_claims_total",
			Help: "Accept attempts grouped by outcome.",
		}, []string{"outcome"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peersupport_messages_relayed_total",
			Help: "Messages accepted by the router.",
		}),
		relayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peersupport_relay_errors_total",
			Help: "Router failures grouped by error code.",
		}, []string{"code"}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "peersupport_relay_latency_seconds",
			Help:    "Time from receipt to broadcast of a message.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peersupport_events_dropped_total",
			Help: "Events dropped because a connection could not keep up.",
		}),
	}

	reg.MustRegister(
		m.connections,
		m.admissions,
		m.requests,
		m.claims,
		m.relayed,
		m.relayErrors,
		m.relayLatency,
		m.busDropped,
	)
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) recordAdmission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) recordRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordRelay(dur time.Duration) {
	if m == nil {
		return
	}
	m.relayed.Inc()
	m.relayLatency.Observe(dur.Seconds())
}

func (m *Metrics) recordRelayError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.relayErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) recordDrop() {
	if m == nil {
		return
	}
	m.busDropped.Inc()
}
