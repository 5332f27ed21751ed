package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for live streams.
type Metrics struct {
	Streams  prometheus.Gauge
	Messages *prometheus.CounterVec
	Dropped  prometheus.Counter
}

// NewMetrics creates and registers fan-out metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carewatch_stream_connections",
			Help: "Live websocket streams.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_stream_messages_total",
			Help: "Messages queued to streams by event.",
		}, []string{"event"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewatch_stream_dropped_total",
			Help: "Streams dropped because their buffer was full.",
		}),
	}
	reg.MustRegister(m.Streams, m.Messages, m.Dropped)
	return m
}

// Hooks returns Hub hooks that record into m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnConnect:    func() { m.Streams.Inc() },
		OnDisconnect: func() { m.Streams.Dec() },
		OnMessage:    func(event string) { m.Messages.WithLabelValues(event).Inc() },
		OnDrop:       func() { m.Dropped.Inc() },
	}
}
