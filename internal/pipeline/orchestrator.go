// Package pipeline moves a report through evaluation and correlation and
// publishes what each stage decides. The trace id of the inbound report is
// carried unchanged onto every message derived from it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinelmesh/internal/broker"
	"github.com/linnemanlabs/sentinelmesh/internal/dedup"
	"github.com/linnemanlabs/sentinelmesh/internal/evaluate"
	"github.com/linnemanlabs/sentinelmesh/internal/event"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinelmesh/internal/pipeline")

// ErrMalformed marks a message that can never be processed. Workers ack and
// drop it instead of redelivering.
var ErrMalformed = errors.New("malformed message")

var (
	errNoEvaluator  = errors.New("pipeline: no evaluator configured")
	errNoCorrelator = errors.New("pipeline: no correlator configured")
)

// Stage names, used for dedup scopes, metrics and logs.
const (
	StageEvaluate  = "evaluate"
	StageCorrelate = "correlate"
)

// Message header names.
const (
	HeaderTraceID   = "trace_id"
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// DefaultSource is stamped on envelopes this service produces.
const DefaultSource = "sentinelmesh"

// Topics names the substrate topics.
type Topics struct {
	Telemetry string
	Anomaly   string
	Dispatch  string
}

// DefaultTopics returns the standard topic names.
func DefaultTopics() Topics {
	return Topics{
		Telemetry: event.TopicTelemetry,
		Anomaly:   event.TopicAnomaly,
		Dispatch:  event.TopicDispatch,
	}
}

// Correlator turns an escalation into a persisted, routed incident.
type Correlator interface {
	Correlate(ctx context.Context, esc incident.Escalation) (*incident.Dispatch, error)
}

// Notifier receives dispatch notifications. Failures never fail the stage.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n incident.Notification) error
}

// Result describes what one Process call did.
type Result struct {
	Verdict   evaluate.Verdict
	Anomaly   *event.Anomaly
	Dispatch  *event.Dispatch
	Duplicate bool
}

// Orchestrator runs the evaluate and correlate stages.
type Orchestrator struct {
	pub        broker.Publisher
	evaluator  evaluate.Evaluator
	correlator Correlator
	inline     bool
	guard      dedup.Guard
	notifiers  []Notifier
	topics     Topics
	source     string
	metrics    *Metrics
	logger     log.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvaluator enables the evaluate stage.
func WithEvaluator(e evaluate.Evaluator) Option {
	return func(o *Orchestrator) { o.evaluator = e }
}

// WithCorrelator enables the correlate stage.
func WithCorrelator(c Correlator) Option {
	return func(o *Orchestrator) { o.correlator = c }
}

// WithInlineCorrelation makes the evaluate stage correlate its own
// escalations after publishing them, instead of leaving that to a consumer
// of the anomaly topic.
func WithInlineCorrelation() Option {
	return func(o *Orchestrator) { o.inline = true }
}

// WithGuard sets the redelivery guard.
func WithGuard(g dedup.Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithNotifiers adds best-effort dispatch notifiers.
func WithNotifiers(n ...Notifier) Option {
	return func(o *Orchestrator) { o.notifiers = append(o.notifiers, n...) }
}

// WithTopics overrides the topic names.
func WithTopics(t Topics) Option {
	return func(o *Orchestrator) { o.topics = t }
}

// WithSource sets the envelope source.
func WithSource(s string) Option {
	return func(o *Orchestrator) {
		if s != "" {
			o.source = s
		}
	}
}

// WithMetrics records stage outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an Orchestrator publishing on pub.
func New(pub broker.Publisher, logger log.Logger, opts ...Option) *Orchestrator {
	if pub == nil {
		panic(xerrors.New("publisher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	o := &Orchestrator{
		pub:    pub,
		guard:  dedup.NewMemory(dedup.DefaultTTL),
		topics: DefaultTopics(),
		source: DefaultSource,
		logger: logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.inline && o.correlator == nil {
		panic(xerrors.New("inline correlation requires a correlator"))
	}
	return o
}

// HandleTelemetry decodes and processes one telemetry message.
func (o *Orchestrator) HandleTelemetry(ctx context.Context, msg broker.Message) error {
	ev, err := event.Decode[event.TelemetryPayload](msg.Value, event.TypeTelemetry)
	if err != nil {
		o.metrics.outcome(StageEvaluate, outcomeMalformed)
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	_, err = o.ProcessTelemetry(ctx, ev)
	return err
}

// HandleAnomaly decodes and processes one anomaly message.
func (o *Orchestrator) HandleAnomaly(ctx context.Context, msg broker.Message) error {
	ev, err := event.Decode[event.AnomalyPayload](msg.Value, event.TypeAnomaly)
	if err != nil {
		o.metrics.outcome(StageCorrelate, outcomeMalformed)
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	_, err = o.ProcessAnomaly(ctx, ev)
	return err
}

// ProcessTelemetry evaluates a report and, on escalation, publishes the
// anomaly. With inline correlation it also correlates and publishes the
// dispatch. A returned error other than ErrMalformed means the report should
// be redelivered.
func (o *Orchestrator) ProcessTelemetry(ctx context.Context, ev *event.Telemetry) (res *Result, err error) {
	if o.evaluator == nil {
		return nil, errNoEvaluator
	}
	start := time.Now()
	o.ensureTraceID(ctx, &ev.TraceID, ev.EventID)

	ctx, span := tracer.Start(ctx, "pipeline.evaluate", trace.WithAttributes(
		attribute.String("sentinelmesh.trace_id", ev.TraceID),
		attribute.String("sentinelmesh.event_id", ev.EventID),
	))
	defer func() { o.finish(span, StageEvaluate, start, res, err) }()

	L := o.logger.With("trace_id", ev.TraceID, "event_id", ev.EventID)

	if o.seen(ctx, StageEvaluate, ev.EventID) {
		L.Info(ctx, "telemetry already processed, skipping")
		return &Result{Duplicate: true}, nil
	}

	if ev.Payload.CitizenID == "" {
		return nil, fmt.Errorf("%w: missing citizen_id", ErrMalformed)
	}
	if _, err := ev.Payload.Location(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	verdict, err := o.evaluator.Evaluate(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	o.metrics.verdict(o.evaluator.Strategy(), verdict)
	span.SetAttributes(
		attribute.Bool("sentinelmesh.escalate", verdict.Escalate),
		attribute.String("sentinelmesh.category", verdict.Category),
	)

	res = &Result{Verdict: verdict}
	if !verdict.Escalate {
		L.Info(ctx, "telemetry dismissed", "strategy", o.evaluator.Strategy(), "category", verdict.Category)
		o.mark(ctx, StageEvaluate, ev.EventID)
		return res, nil
	}

	anomaly := event.New(event.TypeAnomaly, o.source, ev.TraceID, event.AnomalyPayload{
		Category:     verdict.Category,
		Confidence:   verdict.Confidence,
		Lat:          ev.Payload.Lat,
		Lon:          ev.Payload.Lon,
		CitizenID:    ev.Payload.CitizenID,
		EvidenceRefs: []string{ev.EventID},
	})
	if err := Publish(ctx, o.pub, o.topics.Anomaly, ev.Payload.CitizenID, &anomaly); err != nil {
		return nil, err
	}
	res.Anomaly = &anomaly

	L.Info(ctx, "telemetry escalated",
		"strategy", o.evaluator.Strategy(),
		"category", verdict.Category,
		"confidence", verdict.Confidence,
		"anomaly_event_id", anomaly.EventID,
	)

	if o.inline {
		d, err := o.correlate(ctx, &anomaly)
		if err != nil {
			return nil, err
		}
		res.Dispatch = d
	}

	o.mark(ctx, StageEvaluate, ev.EventID)
	return res, nil
}

// ProcessAnomaly correlates an escalation, publishes the dispatch and
// notifies. A returned error other than ErrMalformed means the anomaly
// should be redelivered; the incident write is idempotent.
func (o *Orchestrator) ProcessAnomaly(ctx context.Context, ev *event.Anomaly) (res *Result, err error) {
	if o.correlator == nil {
		return nil, errNoCorrelator
	}
	start := time.Now()
	o.ensureTraceID(ctx, &ev.TraceID, ev.EventID)

	ctx, span := tracer.Start(ctx, "pipeline.correlate", trace.WithAttributes(
		attribute.String("sentinelmesh.trace_id", ev.TraceID),
		attribute.String("sentinelmesh.event_id", ev.EventID),
	))
	defer func() { o.finish(span, StageCorrelate, start, res, err) }()

	if o.seen(ctx, StageCorrelate, ev.EventID) {
		o.logger.Info(ctx, "anomaly already processed, skipping", "trace_id", ev.TraceID, "event_id", ev.EventID)
		return &Result{Duplicate: true}, nil
	}

	d, err := o.correlate(ctx, ev)
	if err != nil {
		return nil, err
	}
	o.mark(ctx, StageCorrelate, ev.EventID)
	return &Result{Dispatch: d}, nil
}

func (o *Orchestrator) correlate(ctx context.Context, ev *event.Anomaly) (*event.Dispatch, error) {
	loc, err := ev.Payload.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	d, err := o.correlator.Correlate(ctx, incident.Escalation{
		Key:        escalationKey(ev),
		TraceID:    ev.TraceID,
		Category:   ev.Payload.Category,
		Confidence: evaluate.ClampConfidence(ev.Payload.Confidence),
		Location:   loc,
		CitizenID:  ev.Payload.CitizenID,
	})
	if err != nil {
		if errors.Is(err, incident.ErrInvalidLocation) {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return nil, fmt.Errorf("correlate: %w", err)
	}
	o.metrics.incident()

	out := event.New(event.TypeDispatch, o.source, ev.TraceID, event.DispatchPayload{
		IncidentID:     d.Incident.ID,
		OfficerID:      d.Incident.ResponderID,
		ETASeconds:     d.Incident.ETASeconds,
		DistanceMeters: d.Incident.DistanceMeters,
	})
	if err := Publish(ctx, o.pub, o.topics.Dispatch, d.Incident.ID, &out); err != nil {
		return nil, err
	}

	o.logger.Info(ctx, "dispatch published",
		"trace_id", ev.TraceID,
		"incident_id", d.Incident.ID,
		"officer_id", d.Incident.ResponderID,
		"eta_seconds", d.Incident.ETASeconds,
		"dispatch_event_id", out.EventID,
	)

	o.notify(ctx, d.Notification)
	return &out, nil
}

// escalationKey identifies the decision behind an anomaly: the originating
// report when known, so a redelivered report converges on one incident.
func escalationKey(ev *event.Anomaly) string {
	if len(ev.Payload.EvidenceRefs) > 0 && ev.Payload.EvidenceRefs[0] != "" {
		return ev.Payload.EvidenceRefs[0]
	}
	return ev.EventID
}

func (o *Orchestrator) notify(ctx context.Context, n incident.Notification) {
	for _, nt := range o.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			o.metrics.notifyFailed(nt.Name())
			o.logger.Warn(ctx, "dispatch notification failed",
				"notifier", nt.Name(),
				"trace_id", n.TraceID,
				"incident_id", n.IncidentID,
				"error", err,
			)
		}
	}
}

func (o *Orchestrator) ensureTraceID(ctx context.Context, traceID *string, eventID string) {
	if *traceID != "" {
		return
	}
	*traceID = event.NewTraceID()
	o.logger.Warn(ctx, "inbound event had no trace id, assigned one", "trace_id", *traceID, "event_id", eventID)
}

func (o *Orchestrator) seen(ctx context.Context, stage, eventID string) bool {
	if eventID == "" {
		return false
	}
	ok, err := o.guard.Seen(ctx, stage, eventID)
	if err != nil {
		o.logger.Warn(ctx, "dedup lookup failed, processing anyway", "stage", stage, "event_id", eventID, "error", err)
		return false
	}
	return ok
}

func (o *Orchestrator) mark(ctx context.Context, stage, eventID string) {
	if eventID == "" {
		return
	}
	if err := o.guard.Mark(ctx, stage, eventID); err != nil {
		o.logger.Warn(ctx, "dedup mark failed", "stage", stage, "event_id", eventID, "error", err)
	}
}

func (o *Orchestrator) finish(span trace.Span, stage string, start time.Time, res *Result, err error) {
	defer span.End()
	o.metrics.duration(stage, time.Since(start).Seconds())

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrMalformed) {
			o.metrics.outcome(stage, outcomeMalformed)
		} else {
			o.metrics.outcome(stage, outcomeError)
		}
	case res.Duplicate:
		o.metrics.outcome(stage, outcomeDuplicate)
	case res.Dispatch != nil:
		o.metrics.outcome(stage, outcomeDispatched)
	case res.Anomaly != nil:
		o.metrics.outcome(stage, outcomeEscalated)
	default:
		o.metrics.outcome(stage, outcomeDismissed)
	}
}

// Publish encodes env and writes it to topic keyed by key, with the trace
// and event ids copied into headers.
func Publish[P any](ctx context.Context, pub broker.Publisher, topic, key string, env *event.Envelope[P]) error {
	data, err := event.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.EventType, err)
	}
	err = pub.Publish(ctx, broker.Message{
		Topic: topic,
		Key:   key,
		Value: data,
		Headers: map[string]string{
			HeaderTraceID:   env.TraceID,
			HeaderEventID:   env.EventID,
			HeaderEventType: env.EventType,
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
