// Package reportapi is the HTTP ingress for citizen emergency reports. Each
// accepted report is published as a telemetry event; evaluation happens
// downstream.
package reportapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/sentinelmesh/internal/broker"
	"github.com/linnemanlabs/sentinelmesh/internal/event"
)

// DefaultReportsPerMinute throttles ingress across all callers.
const DefaultReportsPerMinute = 30

// TraceHeader lets a caller supply the trace id for its report.
const TraceHeader = "X-Trace-Id"

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	pub     broker.Publisher
	topic   string
	source  string
	limiter *rate.Limiter
}

// Option configures an API.
type Option func(*API)

// WithTopic overrides the telemetry topic.
func WithTopic(topic string) Option {
	return func(a *API) {
		if topic != "" {
			a.topic = topic
		}
	}
}

// WithSource sets the envelope source.
func WithSource(source string) Option {
	return func(a *API) {
		if source != "" {
			a.source = source
		}
	}
}

// WithRateLimit allows perMinute reports per minute with an equal burst.
// Zero or less disables throttling.
func WithRateLimit(perMinute int) Option {
	return func(a *API) {
		if perMinute <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

// New creates a new API handler.
func New(logger log.Logger, pub broker.Publisher, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if pub == nil {
		panic(xerrors.New("publisher is required"))
	}
	a := &API{
		logger:  logger,
		pub:     pub,
		topic:   event.TopicTelemetry,
		source:  "gateway",
		limiter: rate.NewLimiter(rate.Every(time.Minute/DefaultReportsPerMinute), DefaultReportsPerMinute),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1/emergency", func(r chi.Router) {
		r.Post("/report", a.handleReport)
	})
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
