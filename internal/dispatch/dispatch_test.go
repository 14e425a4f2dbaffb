package dispatch_test

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/linnemanlabs/sentinelmesh/internal/dispatch"
	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

var (
	guadalajara = geo.Point{Lat: 20.6736, Lon: -103.344}
	officer     = geo.Point{Lat: 20.6836, Lon: -103.334}
)

// serve starts srv on an in-memory listener and returns a client for it.
func serve(t *testing.T, srv dispatch.RoutingServer, opts ...dispatch.ClientOption) *dispatch.Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := dispatch.NewGRPCServer(srv, log.Nop())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	opts = append([]dispatch.ClientOption{
		dispatch.WithDialOptions(grpc.WithContextDialer(dialer)),
		dispatch.WithRetry(3, func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)

	c, err := dispatch.Dial("passthrough:///bufnet", log.Nop(), opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func localServer(t *testing.T) *dispatch.Server {
	t.Helper()
	est, err := geo.NewEstimator(geo.DefaultSpeedMPS)
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	return dispatch.NewServer(est, log.Nop())
}

// scriptedServer fails with the queued errors before answering.
type scriptedServer struct {
	mu    sync.Mutex
	errs  []error
	delay time.Duration
	calls int
}

func (s *scriptedServer) GetInterceptRoute(ctx context.Context, req *dispatch.InterceptRequest) (*dispatch.InterceptResponse, error) {
	s.mu.Lock()
	s.calls++
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &dispatch.InterceptResponse{
		IncidentID:     req.IncidentID,
		OfficerID:      req.OfficerID,
		DistanceMeters: 42,
		ETASeconds:     3,
		RoutePolyline:  "stub",
	}, nil
}

func (s *scriptedServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRoute_RoundTrip(t *testing.T) {
	t.Parallel()

	c := serve(t, localServer(t))

	est, err := c.Route(context.Background(), "inc-1", guadalajara,
		incident.Responder{ID: "officer-001", Location: officer})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if est.IncidentID != "inc-1" || est.ResponderID != "officer-001" {
		t.Errorf("ids = %q/%q", est.IncidentID, est.ResponderID)
	}
	if math.Abs(est.DistanceMeters-1523) > 5 {
		t.Errorf("DistanceMeters = %v, want ~1523", est.DistanceMeters)
	}
	if est.ETASeconds != int(est.DistanceMeters/geo.DefaultSpeedMPS) {
		t.Errorf("ETASeconds = %d", est.ETASeconds)
	}
	if est.PathDescriptor == "" {
		t.Error("expected path descriptor")
	}
}

func TestRoute_InvalidLocation(t *testing.T) {
	t.Parallel()

	c := serve(t, localServer(t))

	tests := []struct {
		name      string
		at        geo.Point
		responder geo.Point
	}{
		{"incident lat", geo.Point{Lat: 91, Lon: 0}, officer},
		{"officer lon", guadalajara, geo.Point{Lat: 0, Lon: 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := c.Route(context.Background(), "inc", tt.at, incident.Responder{ID: "o", Location: tt.responder})
			if !errors.Is(err, incident.ErrInvalidLocation) {
				t.Errorf("error = %v, want ErrInvalidLocation", err)
			}
		})
	}
}

func TestRoute_RetriesUnavailable(t *testing.T) {
	t.Parallel()

	srv := &scriptedServer{errs: []error{
		status.Error(codes.Unavailable, "down"),
		status.Error(codes.ResourceExhausted, "busy"),
	}}
	c := serve(t, srv)

	est, err := c.Route(context.Background(), "inc", guadalajara, incident.Responder{ID: "o", Location: officer})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if est.DistanceMeters != 42 {
		t.Errorf("DistanceMeters = %v", est.DistanceMeters)
	}
	if srv.count() != 3 {
		t.Errorf("calls = %d, want 3", srv.count())
	}
}

func TestRoute_NonRetriableFailsFast(t *testing.T) {
	t.Parallel()

	srv := &scriptedServer{errs: []error{status.Error(codes.Internal, "boom")}}
	c := serve(t, srv)

	_, err := c.Route(context.Background(), "inc", guadalajara, incident.Responder{ID: "o", Location: officer})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, incident.ErrInvalidLocation) {
		t.Error("internal error must not map to ErrInvalidLocation")
	}
	if srv.count() != 1 {
		t.Errorf("calls = %d, want 1", srv.count())
	}
}

func TestRoute_AttemptTimeoutRetried(t *testing.T) {
	t.Parallel()

	srv := &scriptedServer{delay: time.Second}
	c := serve(t, srv, dispatch.WithTimeout(20*time.Millisecond))

	_, err := c.Route(context.Background(), "inc", guadalajara, incident.Responder{ID: "o", Location: officer})
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Code(err) != codes.DeadlineExceeded {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if srv.count() != 3 {
		t.Errorf("calls = %d, want 3", srv.count())
	}
}

func TestRoute_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := &scriptedServer{}
	c := serve(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Route(ctx, "inc", guadalajara, incident.Responder{ID: "o", Location: officer}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestRoute_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := dispatch.NewMetrics(reg)
	srv := &scriptedServer{errs: []error{status.Error(codes.Unavailable, "down")}}
	c := serve(t, srv, dispatch.WithMetrics(m))

	if _, err := c.Route(context.Background(), "inc", guadalajara, incident.Responder{ID: "o", Location: officer}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got := testutil.ToFloat64(m.RouteCallsTotal.WithLabelValues("Unavailable")); got != 1 {
		t.Errorf("Unavailable = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RouteCallsTotal.WithLabelValues("OK")); got != 1 {
		t.Errorf("OK = %v, want 1", got)
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1 << 20)
	gs := dispatch.NewGRPCServer(localServer(t), log.Nop())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: dispatch.ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.GetStatus())
	}
}

// panicServer panics on every call.
type panicServer struct{}

func (panicServer) GetInterceptRoute(context.Context, *dispatch.InterceptRequest) (*dispatch.InterceptResponse, error) {
	panic("boom")
}

func TestServer_RecoversPanic(t *testing.T) {
	t.Parallel()

	c := serve(t, panicServer{})
	_, err := c.GetInterceptRoute(context.Background(), &dispatch.InterceptRequest{})
	if status.Code(err) != codes.Internal {
		t.Errorf("error = %v, want Internal", err)
	}
}

func TestRetriable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code codes.Code
		want bool
	}{
		{codes.Unavailable, true},
		{codes.DeadlineExceeded, true},
		{codes.ResourceExhausted, true},
		{codes.Aborted, true},
		{codes.InvalidArgument, false},
		{codes.Internal, false},
		{codes.NotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			t.Parallel()
			if got := dispatch.Retriable(status.Error(tt.code, "x")); got != tt.want {
				t.Errorf("Retriable(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestStart_StopsGracefully(t *testing.T) {
	t.Parallel()

	gs := dispatch.NewGRPCServer(localServer(t), log.Nop())
	stop, err := dispatch.Start(context.Background(), "127.0.0.1:0", gs, log.Nop())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}
