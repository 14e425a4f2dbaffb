// Package incident turns an escalation decision into a persisted incident
// with an assigned responder and route, and the notification announcing it.
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
)

var ErrInvalidLocation = errors.New("invalid incident location")

// Incident is the durable record of an escalated report. Category,
// Confidence, Location, CitizenID and CreatedAt are fixed by the first write;
// the routing fields may be overwritten by later writes of the same id.
type Incident struct {
	ID         string    `json:"id"`
	TraceID    string    `json:"trace_id"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Location   geo.Point `json:"-"`
	CitizenID  string    `json:"citizen_id"`
	CreatedAt  time.Time `json:"created_at"`

	ResponderID    string  `json:"officer_id"`
	ETASeconds     int     `json:"eta_seconds"`
	DistanceMeters float64 `json:"distance_meters"`
}

// MarshalJSON renders the location as flat lat and lon fields.
func (i Incident) MarshalJSON() ([]byte, error) {
	type fields Incident
	return json.Marshal(struct {
		fields
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}{fields(i), i.Location.Lat, i.Location.Lon})
}

// Escalation is the correlator input: one positive verdict plus where and
// for whom it happened. Key identifies the logical decision (the inbound
// event id) and makes redelivery converge on one incident.
type Escalation struct {
	Key        string
	TraceID    string
	Category   string
	Confidence float64
	Location   geo.Point
	CitizenID  string
}

// Notification announces a dispatched incident.
type Notification struct {
	IncidentID     string  `json:"incident_id"`
	ResponderID    string  `json:"officer_id"`
	ETASeconds     int     `json:"eta_seconds"`
	DistanceMeters float64 `json:"distance_meters"`
	TraceID        string  `json:"trace_id"`
	PathDescriptor string  `json:"route_polyline,omitempty"`
	Category       string  `json:"category,omitempty"`
}

// Dispatch is the result of one correlation.
type Dispatch struct {
	Incident     *Incident
	Route        geo.RouteEstimate
	Notification Notification
}

// Store persists incidents.
type Store interface {
	Get(ctx context.Context, id string) (*Incident, bool, error)
	// Upsert inserts inc or, when the id exists, overwrites only the routing
	// fields. On return inc holds the stored record, so a merged write carries
	// the first write's trace id, category, confidence, location, citizen id
	// and creation time.
	Upsert(ctx context.Context, inc *Incident) error
}

// Responder is a unit that can be sent to an incident.
type Responder struct {
	ID       string
	Location geo.Point
}

// ResponderLocator picks the responder for an incident at a location.
type ResponderLocator interface {
	Locate(ctx context.Context, at geo.Point) (Responder, error)
}

// Router computes the route from a responder to an incident.
type Router interface {
	Route(ctx context.Context, incidentID string, at geo.Point, r Responder) (geo.RouteEstimate, error)
}
