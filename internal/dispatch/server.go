package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
)

// Server answers routing requests with the in-process estimator. It holds no
// per-call state.
type Server struct {
	estimator *geo.Estimator
	logger    log.Logger
}

// NewServer returns a Server for est.
func NewServer(est *geo.Estimator, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	return &Server{estimator: est, logger: logger}
}

// GetInterceptRoute validates both endpoints and estimates the route.
func (s *Server) GetInterceptRoute(ctx context.Context, req *InterceptRequest) (*InterceptResponse, error) {
	at := geo.Point{Lat: req.IncidentLat, Lon: req.IncidentLon}
	if err := at.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "incident location: %v", err)
	}
	from := geo.Point{Lat: req.OfficerLat, Lon: req.OfficerLon}
	if err := from.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "officer location: %v", err)
	}

	est := s.estimator.Estimate(at, from, req.OfficerID, req.IncidentID)

	s.logger.Info(ctx, "route computed",
		"incident_id", est.IncidentID,
		"officer_id", est.ResponderID,
		"distance_meters", est.DistanceMeters,
		"eta_seconds", est.ETASeconds,
	)

	return &InterceptResponse{
		IncidentID:     est.IncidentID,
		OfficerID:      est.ResponderID,
		DistanceMeters: est.DistanceMeters,
		ETASeconds:     est.ETASeconds,
		RoutePolyline:  est.PathDescriptor,
	}, nil
}

// NewGRPCServer builds a grpc.Server with tracing, access logging, panic
// recovery and the standard health service, and registers srv on it.
func NewGRPCServer(srv RoutingServer, logger log.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = log.Nop()
	}
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(recoverUnary(logger), logUnary(logger)),
	}
	gs := grpc.NewServer(append(base, opts...)...)
	RegisterRoutingServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return gs
}

func logUnary(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []any{
			"grpc.method", info.FullMethod,
			"grpc.code", status.Code(err).String(),
			"duration", time.Since(start).Seconds(),
		}
		if err != nil {
			logger.Warn(ctx, "grpc request failed", append(fields, "error", err)...)
		} else {
			logger.Info(ctx, "grpc request", fields...)
		}
		return resp, err
	}
}

func recoverUnary(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, fmt.Errorf("panic: %v", r), "grpc handler panic",
					"grpc.method", info.FullMethod,
					"stack", string(debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// Start serves gs on addr in the background. The returned stop function
// drains in-flight calls until its context expires, then forces the stop.
func Start(ctx context.Context, addr string, gs *grpc.Server, logger log.Logger) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info(ctx, "grpc listener started", "addr", lis.Addr().String())

	go func() {
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error(ctx, err, "grpc serve failed")
		}
	}()

	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			gs.Stop()
			return ctx.Err()
		}
	}, nil
}
