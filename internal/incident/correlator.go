package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinelmesh/internal/incident")

// idNamespace scopes name-based incident ids.
var idNamespace = uuid.MustParse("6f1b7a52-3c0e-4f57-9d2a-5e8b1c4a9f10")

const (
	DefaultWriteTimeout  = 3 * time.Second
	DefaultWriteMaxTries = 4
)

// NewID derives the incident id for a logical decision. The same key always
// yields the same id; an empty key yields a fresh one.
func NewID(key string) string {
	if key == "" {
		return ulid.Make().String()
	}
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// Correlator assigns a responder and route to an escalation and persists
// the resulting incident.
type Correlator struct {
	store        Store
	router       Router
	locator      ResponderLocator
	logger       log.Logger
	now          func() time.Time
	writeTimeout time.Duration
	maxTries     uint
	newBackOff   func() backoff.BackOff
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithWriteRetry bounds each store write and sets the attempt budget.
func WithWriteRetry(timeout time.Duration, maxTries uint, newBackOff func() backoff.BackOff) Option {
	return func(c *Correlator) {
		if timeout > 0 {
			c.writeTimeout = timeout
		}
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// NewCorrelator wires a Correlator. store, router and locator are required.
func NewCorrelator(store Store, router Router, locator ResponderLocator, logger log.Logger, opts ...Option) *Correlator {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if router == nil {
		panic(xerrors.New("router is required"))
	}
	if locator == nil {
		panic(xerrors.New("responder locator is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := &Correlator{
		store:        store,
		router:       router,
		locator:      locator,
		logger:       logger,
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
		maxTries:     DefaultWriteMaxTries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correlate routes a responder to the escalation, persists the incident and
// returns the dispatch. A routing or store failure leaves no incident behind
// and is returned so the inbound message can be redelivered.
func (c *Correlator) Correlate(ctx context.Context, esc Escalation) (*Dispatch, error) {
	if err := esc.Location.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}

	id := NewID(esc.Key)

	ctx, span := tracer.Start(ctx, "incident.Correlate", trace.WithAttributes(
		attribute.String("sentinelmesh.trace_id", esc.TraceID),
		attribute.String("sentinelmesh.incident_id", id),
	))
	defer span.End()

	L := c.logger.With("trace_id", esc.TraceID, "incident_id", id)

	fail := func(err error) (*Dispatch, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	responder, err := c.locator.Locate(ctx, esc.Location)
	if err != nil {
		return fail(fmt.Errorf("locate responder: %w", err))
	}

	route, err := c.router.Route(ctx, id, esc.Location, responder)
	if err != nil {
		return fail(fmt.Errorf("route: %w", err))
	}

	inc := &Incident{
		ID:             id,
		TraceID:        esc.TraceID,
		Category:       esc.Category,
		Confidence:     esc.Confidence,
		Location:       esc.Location,
		CitizenID:      esc.CitizenID,
		CreatedAt:      c.now().UTC(),
		ResponderID:    responder.ID,
		ETASeconds:     route.ETASeconds,
		DistanceMeters: route.DistanceMeters,
	}
	if err := c.persist(ctx, inc); err != nil {
		return fail(fmt.Errorf("persist: %w", err))
	}

	L.Info(ctx, "incident correlated",
		"officer_id", inc.ResponderID,
		"eta_seconds", inc.ETASeconds,
		"distance_meters", inc.DistanceMeters,
		"category", inc.Category,
	)

	return &Dispatch{
		Incident: inc,
		Route:    route,
		Notification: Notification{
			IncidentID:     inc.ID,
			ResponderID:    inc.ResponderID,
			ETASeconds:     inc.ETASeconds,
			DistanceMeters: inc.DistanceMeters,
			TraceID:        inc.TraceID,
			PathDescriptor: route.PathDescriptor,
			Category:       inc.Category,
		},
	}, nil
}

func (c *Correlator) persist(ctx context.Context, inc *Incident) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
		if err := c.store.Upsert(wctx, inc); err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			c.logger.Warn(ctx, "incident write failed", "incident_id", inc.ID, "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
	return err
}
