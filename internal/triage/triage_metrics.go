package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/carewatch/internal/clinical"
)

// ServiceHooks are optional callbacks the service invokes as it works.
type ServiceHooks struct {
	OnCreated    func(severity clinical.Severity, source string, score float64)
	OnDuplicate  func(source string)
	OnTransition func(action Action, outcome string)
	OnRank       func(ranked int, seconds float64)
}

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	AlertsCreated    *prometheus.CounterVec
	AlertsDeduped    *prometheus.CounterVec
	RiskScore        prometheus.Histogram
	TransitionsTotal *prometheus.CounterVec
	RankDuration     prometheus.Histogram
	RankedAlerts     prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_alerts_created_total",
			Help: "Total alerts created by severity and source.",
		}, []string{"severity", "source"}),
		AlertsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_alerts_deduplicated_total",
			Help: "Alerts not created because an open alert for the same patient and rule exists.",
		}, []string{"source"}),
		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carewatch_alert_risk_score",
			Help:    "Risk score of created alerts.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_alert_transitions_total",
			Help: "Lifecycle operations by action and outcome.",
		}, []string{"action", "outcome"}),
		RankDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carewatch_rank_duration_seconds",
			Help:    "Duration of queue re-ranking in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		RankedAlerts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carewatch_ranked_alerts",
			Help:    "Pending alerts ranked per recomputation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 .. 2048
		}),
	}

	reg.MustRegister(
		m.AlertsCreated,
		m.AlertsDeduped,
		m.RiskScore,
		m.TransitionsTotal,
		m.RankDuration,
		m.RankedAlerts,
	)

	return m
}

// Hooks returns ServiceHooks that update the corresponding metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnCreated: func(severity clinical.Severity, source string, score float64) {
			m.AlertsCreated.WithLabelValues(string(severity), source).Inc()
			m.RiskScore.Observe(score)
		},
		OnDuplicate: func(source string) {
			m.AlertsDeduped.WithLabelValues(source).Inc()
		},
		OnTransition: func(action Action, outcome string) {
			m.TransitionsTotal.WithLabelValues(string(action), outcome).Inc()
		},
		OnRank: func(ranked int, seconds float64) {
			m.RankDuration.Observe(seconds)
			m.RankedAlerts.Observe(float64(ranked))
		},
	}
}
