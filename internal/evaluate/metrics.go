package evaluate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the model-backed strategy.
type Metrics struct {
	LLMCallsTotal *prometheus.CounterVec
	LLMTokensIn   prometheus.Counter
	LLMTokensOut  prometheus.Counter
	LLMDuration   prometheus.Histogram
	ParsesTotal   *prometheus.CounterVec
}

// NewMetrics registers and returns evaluation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinelmesh_llm_calls_total",
			Help: "Total model provider calls by status.",
		}, []string{"status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinelmesh_llm_tokens_input_total",
			Help: "Total model input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinelmesh_llm_tokens_output_total",
			Help: "Total model output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinelmesh_llm_call_duration_seconds",
			Help:    "Duration of individual model calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		ParsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinelmesh_llm_parses_total",
			Help: "Model outputs by parse outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.ParsesTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.LLMCallsTotal.WithLabelValues(status).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.Observe(duration)
		},
		OnParse: func(outcome string) {
			m.ParsesTotal.WithLabelValues(outcome).Inc()
		},
	}
}
