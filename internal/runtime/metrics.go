package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "muflow"

// Metrics holds the Prometheus collectors of one application. Each
// application owns its registry so several can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	messages    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	connections prometheus.Gauge
	inFlight    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Dispatched messages by event and outcome.",
		}, []string{"event", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "message_duration_seconds",
			Help:      "Time spent inside interceptors and handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Open connections.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "messages_in_flight",
			Help:      "Messages currently being dispatched.",
		}),
	}
	reg.MustRegister(
		m.messages,
		m.duration,
		m.connections,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeDenied  = "denied"
)

func (m *Metrics) observe(event, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(event, outcome).Inc()
	m.duration.WithLabelValues(event).Observe(d.Seconds())
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) messageStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) messageFinished() {
	if m != nil {
		m.inFlight.Dec()
	}
}
