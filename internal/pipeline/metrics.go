package pipeline

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sentinelmesh/internal/evaluate"
)

const (
	outcomeDismissed  = "dismissed"
	outcomeEscalated  = "escalated"
	outcomeDispatched = "dispatched"
	outcomeDuplicate  = "duplicate"
	outcomeMalformed  = "malformed"
	outcomeError      = "error"
)

// Metrics holds Prometheus metrics for the pipeline stages. A nil *Metrics
// records nothing.
type Metrics struct {
	MessagesTotal       *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	VerdictsTotal       *prometheus.CounterVec
	IncidentsTotal      prometheus.Counter
	NotifyFailuresTotal *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinelmesh_pipeline_messages_total",
			Help: "Messages handled by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinelmesh_pipeline_stage_duration_seconds",
			Help:    "Duration of stage handling in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}, []string{"stage"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinelmesh_verdicts_total",
			Help: "Evaluation verdicts by strategy, category and escalation.",
		}, []string{"strategy", "category", "escalate"}),
		IncidentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinelmesh_incidents_total",
			Help: "Incidents correlated and persisted.",
		}),
		NotifyFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinelmesh_notify_failures_total",
			Help: "Dispatch notifications that failed by notifier.",
		}, []string{"notifier"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.StageDuration,
		m.VerdictsTotal,
		m.IncidentsTotal,
		m.NotifyFailuresTotal,
	)

	return m
}

func (m *Metrics) outcome(stage, outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) duration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) verdict(s evaluate.Strategy, v evaluate.Verdict) {
	if m == nil {
		return
	}
	category := v.Category
	if category == "" {
		category = "none"
	}
	m.VerdictsTotal.WithLabelValues(string(s), category, strconv.FormatBool(v.Escalate)).Inc()
}

func (m *Metrics) incident() {
	if m == nil {
		return
	}
	m.IncidentsTotal.Inc()
}

func (m *Metrics) notifyFailed(name string) {
	if m == nil {
		return
	}
	m.NotifyFailuresTotal.WithLabelValues(name).Inc()
}
