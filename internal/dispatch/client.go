package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

const (
	DefaultTimeout  = 2 * time.Second
	DefaultMaxTries = 3
)

// Client calls a remote routing service. It implements incident.Router.
type Client struct {
	conn       *grpc.ClientConn
	logger     log.Logger
	timeout    time.Duration
	maxTries   uint
	newBackOff func() backoff.BackOff
	dialOpts   []grpc.DialOption
	observe    func(outcome string, seconds float64)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry sets the attempt budget and backoff policy.
func WithRetry(maxTries uint, newBackOff func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// WithDialOptions appends extra grpc dial options.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithMetrics records every attempt on m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.observe = m.observe }
}

// Dial creates a client for target. The connection is established lazily.
func Dial(target string, logger log.Logger, opts ...ClientOption) (*Client, error) {
	if logger == nil {
		logger = log.Nop()
	}
	c := &Client{
		logger:   logger,
		timeout:  DefaultTimeout,
		maxTries: DefaultMaxTries,
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

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	c.conn = conn
	return c, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Retriable reports whether err is a transport or capacity failure worth
// another attempt.
func Retriable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// GetInterceptRoute calls the remote service, retrying retriable failures.
// Each attempt is bounded by the client timeout.
func (c *Client) GetInterceptRoute(ctx context.Context, req *InterceptRequest) (*InterceptResponse, error) {
	attempt := 0
	op := func() (*InterceptResponse, error) {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		out := new(InterceptResponse)
		err := c.conn.Invoke(cctx, methodGetInterceptRoute, req, out)
		c.record(err, time.Since(start).Seconds())
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !Retriable(err) {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn(ctx, "route call failed, retrying",
			"incident_id", req.IncidentID,
			"attempt", attempt,
			"code", status.Code(err).String(),
		)
		return nil, err
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return nil, fmt.Errorf("%w: %w", incident.ErrInvalidLocation, err)
		}
		return nil, fmt.Errorf("get intercept route: %w", err)
	}
	return resp, nil
}

// Route implements incident.Router.
func (c *Client) Route(ctx context.Context, incidentID string, at geo.Point, r incident.Responder) (geo.RouteEstimate, error) {
	resp, err := c.GetInterceptRoute(ctx, &InterceptRequest{
		IncidentID:  incidentID,
		IncidentLat: at.Lat,
		IncidentLon: at.Lon,
		OfficerID:   r.ID,
		OfficerLat:  r.Location.Lat,
		OfficerLon:  r.Location.Lon,
	})
	if err != nil {
		return geo.RouteEstimate{}, err
	}
	return geo.RouteEstimate{
		IncidentID:     resp.IncidentID,
		ResponderID:    resp.OfficerID,
		DistanceMeters: resp.DistanceMeters,
		ETASeconds:     resp.ETASeconds,
		PathDescriptor: resp.RoutePolyline,
	}, nil
}

func (c *Client) record(err error, seconds float64) {
	if c.observe == nil {
		return
	}
	c.observe(status.Code(err).String(), seconds)
}
