package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for job runs.
type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	LastSuccess *prometheus.GaugeVec
}

// NewMetrics creates and registers scheduler metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_sweep_runs_total",
			Help: "Background job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carewatch_sweep_duration_seconds",
			Help:    "Background job run duration.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~41s
		}, []string{"job"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carewatch_sweep_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.RunsTotal, m.RunDuration, m.LastSuccess)
	return m
}

// Hooks returns scheduler Hooks that record into m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRun: func(job, outcome string, seconds float64) {
			m.RunsTotal.WithLabelValues(job, outcome).Inc()
			m.RunDuration.WithLabelValues(job).Observe(seconds)
			if outcome == "ok" {
				m.LastSuccess.WithLabelValues(job).SetToCurrentTime()
			}
		},
	}
}
