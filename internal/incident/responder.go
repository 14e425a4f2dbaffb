package incident

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
)

const DefaultResponderID = "officer-001"

// FixedOffset places a single responder at a constant offset from every
// incident. It stands in for a real fleet lookup.
type FixedOffset struct {
	ID   string
	DLat float64
	DLon float64
}

// DefaultResponder is officer-001, 0.01 degrees north-east of the incident.
func DefaultResponder() FixedOffset {
	return FixedOffset{ID: DefaultResponderID, DLat: 0.01, DLon: 0.01}
}

func (f FixedOffset) Locate(_ context.Context, at geo.Point) (Responder, error) {
	id := f.ID
	if id == "" {
		id = DefaultResponderID
	}
	return Responder{ID: id, Location: at.Offset(f.DLat, f.DLon)}, nil
}

// LocalRouter computes routes in process, for deployments without a
// remote routing service.
type LocalRouter struct {
	Estimator *geo.Estimator
}

func (l LocalRouter) Route(_ context.Context, incidentID string, at geo.Point, r Responder) (geo.RouteEstimate, error) {
	if err := at.Validate(); err != nil {
		return geo.RouteEstimate{}, fmt.Errorf("incident: %w", err)
	}
	if err := r.Location.Validate(); err != nil {
		return geo.RouteEstimate{}, fmt.Errorf("responder: %w", err)
	}
	return l.Estimator.Estimate(at, r.Location, r.ID, incidentID), nil
}
