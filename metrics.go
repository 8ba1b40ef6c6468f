package delimrpc

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/delimrpc/message"
)

// Metrics collects Prometheus metrics for a server and its sessions.
// A nil *Metrics records nothing.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	activeSessions      prometheus.Gauge
	frames              *prometheus.CounterVec
	authentications     *prometheus.CounterVec
	responses           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delimrpc_connections_accepted_total",
			Help: "Total number of accepted connections",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delimrpc_connections_rejected_total",
			Help: "Total number of connections closed by admission control",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "delimrpc_active_sessions",
			Help: "Number of sessions currently running",
		}),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delimrpc_frames_received_total",
				Help: "Total number of frames received, by message kind and parse result",
			},
			[]string{"kind", "result"},
		),
		authentications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delimrpc_authentications_total",
				Help: "Total number of authentication attempts, by result",
			},
			[]string{"result"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delimrpc_responses_total",
				Help: "Total number of responses written, by status",
			},
			[]string{"status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsAccepted,
			m.connectionsRejected,
			m.activeSessions,
			m.frames,
			m.authentications,
			m.responses,
		)
	}
	return m
}

func (m *Metrics) accepted() {
	if m != nil {
		m.connectionsAccepted.Inc()
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.connectionsRejected.Inc()
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) sessionEnded() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) frame(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "parse_error"
	}
	m.frames.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) authentication(ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "ok"
	}
	m.authentications.WithLabelValues(result).Inc()
}

func (m *Metrics) response(status message.Status) {
	if m != nil {
		m.responses.WithLabelValues(status.String()).Inc()
	}
}
