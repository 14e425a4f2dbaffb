// Package dispatch exposes the geo-routing engine as a gRPC service and
// provides the client the correlator uses to reach it.
package dispatch

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName             = "sentinelmesh.dispatch.v1.DispatchService"
	methodGetInterceptRoute = "/" + ServiceName + "/GetInterceptRoute"
)

// InterceptRequest asks for the route from one officer to one incident.
type InterceptRequest struct {
	IncidentID  string  `json:"incident_id"`
	IncidentLat float64 `json:"incident_lat"`
	IncidentLon float64 `json:"incident_lon"`
	OfficerID   string  `json:"officer_id"`
	OfficerLat  float64 `json:"officer_lat"`
	OfficerLon  float64 `json:"officer_lon"`
}

// InterceptResponse is the computed route.
type InterceptResponse struct {
	IncidentID     string  `json:"incident_id"`
	OfficerID      string  `json:"officer_id"`
	DistanceMeters float64 `json:"distance_meters"`
	ETASeconds     int     `json:"eta_seconds"`
	RoutePolyline  string  `json:"route_polyline"`
}

// RoutingServer is the server API for the dispatch service.
type RoutingServer interface {
	GetInterceptRoute(ctx context.Context, req *InterceptRequest) (*InterceptResponse, error)
}

func getInterceptRouteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InterceptRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RoutingServer).GetInterceptRoute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetInterceptRoute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RoutingServer).GetInterceptRoute(ctx, req.(*InterceptRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the dispatch service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoutingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInterceptRoute", Handler: getInterceptRouteHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sentinelmesh/dispatch/v1",
}

// RegisterRoutingServer registers srv on s.
func RegisterRoutingServer(s grpc.ServiceRegistrar, srv RoutingServer) {
	s.RegisterService(&ServiceDesc, srv)
}
