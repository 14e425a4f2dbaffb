package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for outbound route calls.
type Metrics struct {
	RouteCallsTotal *prometheus.CounterVec
	RouteDuration   prometheus.Histogram
}

// NewMetrics registers and returns route-call metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RouteCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinelmesh_route_calls_total",
			Help: "Route call attempts by gRPC status code.",
		}, []string{"code"}),
		RouteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinelmesh_route_call_duration_seconds",
			Help:    "Duration of individual route call attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
	}
	reg.MustRegister(m.RouteCallsTotal, m.RouteDuration)
	return m
}

func (m *Metrics) observe(code string, seconds float64) {
	m.RouteCallsTotal.WithLabelValues(code).Inc()
	m.RouteDuration.Observe(seconds)
}
