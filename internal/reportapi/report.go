package reportapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinelmesh/internal/event"
	"github.com/linnemanlabs/sentinelmesh/internal/pipeline"
)

// Report is the ingress request body. Emergency defaults to true when
// omitted.
type Report struct {
	CitizenID      string   `json:"citizen_id"`
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
	Emergency      *bool    `json:"emergency"`
	AudioSignature string   `json:"audio_signature"`
	PanicMotion    bool     `json:"panic_motion"`
}

// Accepted is the 202 response body.
type Accepted struct {
	Accepted       bool   `json:"accepted"`
	TraceID        string `json:"trace_id"`
	EventID        string `json:"event_id"`
	PublishedTopic string `json:"published_topic"`
}

func (rep *Report) payload() event.TelemetryPayload {
	emergency := true
	if rep.Emergency != nil {
		emergency = *rep.Emergency
	}
	return event.TelemetryPayload{
		CitizenID: strings.TrimSpace(rep.CitizenID),
		Lat:       rep.Lat,
		Lon:       rep.Lon,
		Emergency: emergency,
		Signals: event.Signals{
			AudioSignature: rep.AudioSignature,
			PanicMotion:    rep.PanicMotion,
		},
	}
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if a.limiter != nil && !a.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var rep Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	p := rep.payload()
	if p.CitizenID == "" {
		writeError(w, http.StatusBadRequest, "citizen_id_required")
		return
	}
	if _, err := p.Location(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_location")
		return
	}

	traceID := strings.TrimSpace(r.Header.Get(TraceHeader))
	if traceID == "" {
		traceID = event.NewTraceID()
	}
	ev := event.New(event.TypeTelemetry, a.source, traceID, p)

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("sentinelmesh.trace_id", traceID),
		attribute.String("sentinelmesh.event_id", ev.EventID),
	)

	if err := pipeline.Publish(ctx, a.pub, a.topic, p.CitizenID, &ev); err != nil {
		a.logger.Error(ctx, err, "failed to publish report", "trace_id", traceID, "event_id", ev.EventID)
		writeError(w, http.StatusServiceUnavailable, "publish_failed")
		return
	}

	a.logger.Info(ctx, "report accepted",
		"trace_id", traceID,
		"event_id", ev.EventID,
		"citizen_id", p.CitizenID,
		"emergency", p.Emergency,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(Accepted{
		Accepted:       true,
		TraceID:        traceID,
		EventID:        ev.EventID,
		PublishedTopic: a.topic,
	})
}
