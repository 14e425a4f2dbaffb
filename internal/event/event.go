// Package event defines the message contracts exchanged between pipeline
// stages. Field names are stable; serialization is JSON.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SchemaVersion is stamped on every envelope this service produces.
const SchemaVersion = "v1"

// Event types.
const (
	TypeTelemetry = "telemetry.raw"
	TypeAnomaly   = "anomaly.high_confidence"
	TypeDispatch  = "dispatch.route_assigned"
)

// Default topic names.
const (
	TopicTelemetry = "telemetry.raw.v1"
	TopicAnomaly   = "anomaly.high_confidence.v1"
	TopicDispatch  = "dispatch.route_assigned.v1"
)

var ErrWrongType = errors.New("unexpected event type")

// Envelope is the shared shape of every message on the substrate.
type Envelope[P any] struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	Source        string    `json:"source"`
	TraceID       string    `json:"trace_id"`
	Payload       P         `json:"payload"`
}

// Signals carries the sensor-derived hints attached to a report.
type Signals struct {
	AudioSignature string `json:"audio_signature,omitempty"`
	PanicMotion    bool   `json:"panic_motion"`
}

// TelemetryPayload is the body of a telemetry.raw event. Lat/Lon are pointers
// so an absent coordinate is distinguishable from 0.
type TelemetryPayload struct {
	CitizenID string   `json:"citizen_id"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Emergency bool     `json:"emergency"`
	Signals   Signals  `json:"signals"`
}

// AnomalyPayload is the body of an anomaly.high_confidence event.
type AnomalyPayload struct {
	Category     string   `json:"category"`
	Confidence   float64  `json:"confidence"`
	Lat          *float64 `json:"lat"`
	Lon          *float64 `json:"lon"`
	CitizenID    string   `json:"citizen_id"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// DispatchPayload is the body of a dispatch.route_assigned event.
type DispatchPayload struct {
	IncidentID     string  `json:"incident_id"`
	OfficerID      string  `json:"officer_id"`
	ETASeconds     int     `json:"eta_seconds"`
	DistanceMeters float64 `json:"distance_meters"`
}

type (
	Telemetry = Envelope[TelemetryPayload]
	Anomaly   = Envelope[AnomalyPayload]
	Dispatch  = Envelope[DispatchPayload]
)

// NewEventID returns a fresh, time-sortable event id.
func NewEventID() string {
	return ulid.Make().String()
}

// NewTraceID returns a fresh trace id. Only ingress (or a stage that receives
// a message without one) should call this.
func NewTraceID() string {
	return uuid.NewString()
}

// New builds an envelope stamped with a fresh event id and the current time.
func New[P any](eventType, source, traceID string, payload P) Envelope[P] {
	return Envelope[P]{
		EventID:       NewEventID(),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		OccurredAt:    time.Now().UTC(),
		Source:        source,
		TraceID:       traceID,
		Payload:       payload,
	}
}

// Decode parses data into an envelope and checks its event type.
func Decode[P any](data []byte, eventType string) (*Envelope[P], error) {
	var env Envelope[P]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	if env.EventType != eventType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, env.EventType, eventType)
	}
	return &env, nil
}

// Encode serializes an envelope.
func Encode[P any](env *Envelope[P]) ([]byte, error) {
	return json.Marshal(env)
}

// Float returns a pointer to f, for building payload coordinates.
func Float(f float64) *float64 { return &f }
