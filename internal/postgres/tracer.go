package postgres

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// SlowQuery is the duration above which a successful query is logged at
// warn level.
const SlowQuery = 250 * time.Millisecond

// MethodConsume labels queries issued while a pipeline worker handles a
// message.
const MethodConsume = "CONSUME"

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// QueryLabels describes what a query was issued for. Method and Route label
// the duration metric; IncidentID and TraceID go on the db span and log line.
type QueryLabels struct {
	Method     string
	Route      string
	IncidentID string
	TraceID    string
}

type labelsKey struct{}

// LabelsFromContext returns the labels attached to ctx. An HTTP route
// pattern from chi fills Route when nothing else did.
func LabelsFromContext(ctx context.Context) QueryLabels {
	l, _ := ctx.Value(labelsKey{}).(QueryLabels)
	if l.Route == "" {
		if rc := chi.RouteContext(ctx); rc != nil {
			l.Route = rc.RoutePattern()
		}
	}
	return l
}

func withLabels(ctx context.Context, set func(*QueryLabels)) context.Context {
	l, _ := ctx.Value(labelsKey{}).(QueryLabels)
	set(&l)
	return context.WithValue(ctx, labelsKey{}, l)
}

// WithHTTPMethod labels queries issued while serving a request.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return withLabels(ctx, func(l *QueryLabels) { l.Method = method })
}

// WithConsumer labels queries issued while a worker handles a message from
// topic that belongs to traceID.
func WithConsumer(ctx context.Context, topic, traceID string) context.Context {
	if topic == "" {
		return ctx
	}
	return withLabels(ctx, func(l *QueryLabels) {
		l.Method = MethodConsume
		l.Route = topic
		if traceID != "" {
			l.TraceID = traceID
		}
	})
}

// WithIncident tags queries that read or write one incident. An empty
// traceID keeps whatever the caller already attached.
func WithIncident(ctx context.Context, incidentID, traceID string) context.Context {
	return withLabels(ctx, func(l *QueryLabels) {
		l.IncidentID = incidentID
		if traceID != "" {
			l.TraceID = traceID
		}
	})
}

type queryStateKey struct{}

type queryState struct {
	sql   string
	nargs int
	start time.Time
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with a metric
// observation and a structured log line per query.
type queryTracer struct {
	inner pgx.QueryTracer
	now   func() time.Time
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner, now: time.Now}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		l := LabelsFromContext(ctx)
		if l.IncidentID != "" {
			span.SetAttributes(attribute.String("sentinelmesh.incident_id", l.IncidentID))
		}
		if l.TraceID != "" {
			span.SetAttributes(attribute.String("sentinelmesh.trace_id", l.TraceID))
		}
	}

	return context.WithValue(ctx, queryStateKey{}, queryState{
		sql:   data.SQL,
		nargs: len(data.Args),
		start: t.now(),
	})
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(queryStateKey{}).(queryState)
	var dur time.Duration
	if !st.start.IsZero() {
		dur = t.now().Sub(st.start)
	}
	l := LabelsFromContext(ctx)

	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, orDefault(l.Method, "UNKNOWN"), orDefault(l.Route, "unknown"), outcome(data.Err), dur)
	}

	if data.Err == nil && dur < SlowQuery {
		return
	}

	fields := queryFields(st, l, data, dur)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Warn(ctx, "slow db query", fields...)
}

// queryFields builds the log fields for a query. Argument values are never
// logged; they carry citizen ids and coordinates.
func queryFields(st queryState, l QueryLabels, data pgx.TraceQueryEndData, dur time.Duration) []any {
	fields := []any{
		"db.statement", compactSQL(st.sql),
		"db.args_count", st.nargs,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "db.operation.name", strings.ToUpper(strings.Fields(tag)[0]), "db.rows", data.CommandTag.RowsAffected())
	}
	if l.Route != "" {
		fields = append(fields, "db.route", l.Route)
	}
	if l.IncidentID != "" {
		fields = append(fields, "incident_id", l.IncidentID)
	}
	if l.TraceID != "" {
		fields = append(fields, "trace_id", l.TraceID)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
