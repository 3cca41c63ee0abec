// Package metrics exposes Prometheus collectors for the terminal relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "term_relay"

// Metrics groups the relay's collectors. A nil *Metrics is valid and records
// nothing, so packages can take it as an optional dependency.
type Metrics struct {
	sessions       prometheus.Gauge
	connections    *prometheus.GaugeVec
	outputBytes    prometheus.Counter
	inputBytes     prometheus.Counter
	flowPauses     prometheus.Counter
	flowResumes    prometheus.Counter
	pausedSessions prometheus.Gauge
	slowConsumers  *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live terminal sessions.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Attached client connections by transport.",
		}, []string{"transport"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "PTY output bytes broadcast to clients after filtering.",
		}),
		inputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Client input bytes written to PTYs.",
		}),
		flowPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_pauses_total",
			Help:      "Times a PTY was paused by the high watermark.",
		}),
		flowResumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_resumes_total",
			Help:      "Times a paused PTY was resumed below the low watermark.",
		}),
		pausedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused_sessions",
			Help:      "Sessions whose PTY output is currently paused.",
		}),
		slowConsumers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_disconnects_total",
			Help:      "Connections closed because their outbound queue overflowed.",
		}, []string{"transport"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by entry point and reason.",
		}, []string{"entry", "reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessions,
			m.connections,
			m.outputBytes,
			m.inputBytes,
			m.flowPauses,
			m.flowResumes,
			m.pausedSessions,
			m.slowConsumers,
			m.authFailures,
		)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) ConnectionAttached(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionDetached(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Dec()
}

func (m *Metrics) Output(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outputBytes.Add(float64(n))
}

func (m *Metrics) Input(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.inputBytes.Add(float64(n))
}

// FlowChanged records a pause (true) or resume (false) transition.
func (m *Metrics) FlowChanged(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.flowPauses.Inc()
		m.pausedSessions.Inc()
		return
	}
	m.flowResumes.Inc()
	m.pausedSessions.Dec()
}

// FlowAbandoned drops a paused session from the paused gauge when it exits
// without resuming.
func (m *Metrics) FlowAbandoned() {
	if m == nil {
		return
	}
	m.pausedSessions.Dec()
}

func (m *Metrics) SlowConsumer(transport string) {
	if m == nil {
		return
	}
	m.slowConsumers.WithLabelValues(transport).Inc()
}

func (m *Metrics) AuthFailure(entry, reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(entry, reason).Inc()
}
