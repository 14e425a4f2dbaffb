package event

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
)

func TestNew_StampsEnvelope(t *testing.T) {
	t.Parallel()

	env := New(TypeTelemetry, "gateway", "trace-1", TelemetryPayload{CitizenID: "c-1"})

	if env.EventID == "" {
		t.Error("expected event id")
	}
	if env.EventType != TypeTelemetry {
		t.Errorf("EventType = %q, want %q", env.EventType, TypeTelemetry)
	}
	if env.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", env.SchemaVersion, SchemaVersion)
	}
	if env.TraceID != "trace-1" {
		t.Errorf("TraceID = %q, want trace-1", env.TraceID)
	}
	if env.OccurredAt.IsZero() {
		t.Error("expected OccurredAt to be set")
	}

	other := New(TypeTelemetry, "gateway", "trace-1", TelemetryPayload{})
	if other.EventID == env.EventID {
		t.Error("expected distinct event ids")
	}
}

func TestDecode_WireFormat(t *testing.T) {
	t.Parallel()

	raw := `{
		"event_id": "e-1",
		"event_type": "telemetry.raw",
		"schema_version": "v1",
		"occurred_at": "2026-01-02T03:04:05Z",
		"source": "gateway",
		"trace_id": "t-1",
		"payload": {
			"citizen_id": "citizen-001",
			"lat": 20.6736,
			"lon": -103.344,
			"emergency": true,
			"signals": {"audio_signature": "gunshot_like", "panic_motion": false}
		}
	}`

	env, err := Decode[TelemetryPayload]([]byte(raw), TypeTelemetry)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.TraceID != "t-1" || env.Payload.CitizenID != "citizen-001" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if !env.Payload.Emergency || env.Payload.Signals.AudioSignature != "gunshot_like" {
		t.Errorf("unexpected payload %+v", env.Payload)
	}
	loc, err := env.Payload.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc != (geo.Point{Lat: 20.6736, Lon: -103.344}) {
		t.Errorf("Location = %v", loc)
	}
}

func TestDecode_NullAudioSignature(t *testing.T) {
	t.Parallel()

	raw := `{"event_type":"telemetry.raw","trace_id":"t","payload":{"citizen_id":"c","lat":1,"lon":2,"emergency":true,"signals":{"audio_signature":null,"panic_motion":true}}}`
	env, err := Decode[TelemetryPayload]([]byte(raw), TypeTelemetry)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Payload.Signals.AudioSignature != "" || !env.Payload.Signals.PanicMotion {
		t.Errorf("signals = %+v", env.Payload.Signals)
	}
}

func TestDecode_WrongType(t *testing.T) {
	t.Parallel()

	_, err := Decode[AnomalyPayload]([]byte(`{"event_type":"telemetry.raw"}`), TypeAnomaly)
	if !errors.Is(err, ErrWrongType) {
		t.Errorf("error = %v, want ErrWrongType", err)
	}
}

func TestDecode_Garbage(t *testing.T) {
	t.Parallel()

	if _, err := Decode[AnomalyPayload]([]byte(`{not json`), TypeAnomaly); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestLocation_Missing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		lat, lon *float64
	}{
		{"both missing", nil, nil},
		{"lat missing", nil, Float(1)},
		{"lon missing", Float(1), nil},
		{"out of range", Float(91), Float(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Location(tt.lat, tt.lon)
			if !errors.Is(err, geo.ErrInvalidPoint) {
				t.Errorf("error = %v, want ErrInvalidPoint", err)
			}
		})
	}
}

func TestEncode_AnomalyEvidenceRefsIsArray(t *testing.T) {
	t.Parallel()

	env := New(TypeAnomaly, "evaluator", "t", AnomalyPayload{
		Category:     "acoustic_gunshot",
		Confidence:   0.93,
		Lat:          Float(1),
		Lon:          Float(2),
		CitizenID:    "c",
		EvidenceRefs: []string{},
	})
	b, err := Encode(&env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(b), `"evidence_refs":[]`) {
		t.Errorf("encoded = %s, want evidence_refs as empty array", b)
	}

	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"event_id", "event_type", "schema_version", "occurred_at", "source", "trace_id", "payload"} {
		if _, ok := generic[k]; !ok {
			t.Errorf("missing envelope key %q", k)
		}
	}
}
