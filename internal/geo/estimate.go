package geo

import (
	"fmt"
	"math"
)

// RouteEstimate is the result of routing one responder to one incident.
// PathDescriptor is an opaque summary of the two endpoints, not a navigable path.
type RouteEstimate struct {
	IncidentID     string  `json:"incident_id"`
	ResponderID    string  `json:"responder_id"`
	DistanceMeters float64 `json:"distance_meters"`
	ETASeconds     int     `json:"eta_seconds"`
	PathDescriptor string  `json:"path_descriptor"`
}

// Estimator turns two points into a RouteEstimate using a fixed average speed.
type Estimator struct {
	speed float64
}

// NewEstimator returns an Estimator for the given average speed in m/s.
func NewEstimator(speedMPS float64) (*Estimator, error) {
	if math.IsNaN(speedMPS) || math.IsInf(speedMPS, 0) || speedMPS <= 0 {
		return nil, fmt.Errorf("%w: %v m/s", ErrInvalidSpeed, speedMPS)
	}
	return &Estimator{speed: speedMPS}, nil
}

// Speed returns the configured average speed in m/s.
func (e *Estimator) Speed() float64 { return e.speed }

// ETA returns the whole seconds needed to cover distance at the configured speed.
func (e *Estimator) ETA(distanceMeters float64) int {
	if distanceMeters <= 0 {
		return 0
	}
	return int(distanceMeters / e.speed)
}

// Estimate routes a responder to an incident. Callers must validate both points
// first; the estimator never coerces bad coordinates.
func (e *Estimator) Estimate(incident, responder Point, responderID, incidentID string) RouteEstimate {
	d := Distance(incident, responder)
	return RouteEstimate{
		IncidentID:     incidentID,
		ResponderID:    responderID,
		DistanceMeters: d,
		ETASeconds:     e.ETA(d),
		PathDescriptor: fmt.Sprintf("direct%s->%s", responder, incident),
	}
}
