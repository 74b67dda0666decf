package wssip

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "wssip"

// Metrics holds the Prometheus instruments of one Gateway.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	HandshakesRejected prometheus.Counter
	BackendErrors      *prometheus.CounterVec
	BytesTotal         *prometheus.CounterVec
	ChunksSuppressed   *prometheus.CounterVec
}

// NewMetrics creates the gateway instruments on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of currently open sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of finished sessions by outcome",
		}, []string{"outcome"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		}),
		HandshakesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshakes_rejected_total",
			Help:      "WebSocket handshakes rejected for lacking a SIP subprotocol",
		}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backend_errors_total",
			Help:      "Backend failures by kind",
		}, []string{"kind"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed by direction",
		}, []string{"direction"}),
		ChunksSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "suppressed_chunks_total",
			Help:      "Chunks dropped by interception hooks",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.SessionDuration,
		m.HandshakesRejected,
		m.BackendErrors,
		m.BytesTotal,
		m.ChunksSuppressed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the instruments are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) sessionOpened() {
	m.ActiveSessions.Inc()
}

func (m *Metrics) sessionClosed(started time.Time, outcome string) {
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) relayed(dir Direction, n int) {
	m.BytesTotal.WithLabelValues(dir.String()).Add(float64(n))
}

func (m *Metrics) suppressed(dir Direction) {
	m.ChunksSuppressed.WithLabelValues(dir.String()).Inc()
}
