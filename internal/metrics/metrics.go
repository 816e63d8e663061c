// Package metrics exposes the engine's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the engine collectors. A nil *Metrics is a valid no-op
// receiver so tests can pass nil.
type Metrics struct {
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	ingested        *prometheus.CounterVec
	staleDropped    *prometheus.CounterVec
	noiseDropped    prometheus.Counter
	reconnects      prometheus.Counter
	pairingTimeouts prometheus.Counter
}

// New registers the engine collectors with reg (DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zapdesk_sessions_active",
			Help: "Current number of live tenant sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapdesk_sessions_total",
			Help: "Total number of sessions started since boot.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapdesk_events_ingested_total",
			Help: "Accepted message and status events by delivery channel.",
		}, []string{"source", "kind"}),
		staleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zapdesk_events_stale_total",
			Help: "Status events dropped as stale or duplicate by channel.",
		}, []string{"source"}),
		noiseDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapdesk_events_noise_total",
			Help: "Inbound messages classified as noise and dropped.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapdesk_reconnect_attempts_total",
			Help: "Transport reconnect attempts across all tenants.",
		}),
		pairingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zapdesk_pairing_timeouts_total",
			Help: "Pairing attempts that exhausted the code retry budget.",
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.ingested,
		m.staleDropped,
		m.noiseDropped,
		m.reconnects,
		m.pairingTimeouts,
	)
	return m
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) EventIngested(source, kind string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) StaleDropped(source string) {
	if m == nil {
		return
	}
	m.staleDropped.WithLabelValues(source).Inc()
}

func (m *Metrics) NoiseDropped() {
	if m == nil {
		return
	}
	m.noiseDropped.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) PairingTimeout() {
	if m == nil {
		return
	}
	m.pairingTimeouts.Inc()
}
