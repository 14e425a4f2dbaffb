package reportapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinelmesh/internal/broker"
	"github.com/linnemanlabs/sentinelmesh/internal/broker/membroker"
	"github.com/linnemanlabs/sentinelmesh/internal/event"
)

const validReport = `{"citizen_id":"citizen-001","lat":20.6736,"lon":-103.344,"audio_signature":"gunshot_like"}`

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, broker.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                                    { return nil }

func newTestRouter(t *testing.T, pub broker.Publisher, opts ...Option) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, pub, opts...).RegisterRoutes(r)
	return r
}

func post(r http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/emergency/report", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, membroker.New(membroker.WithHistory()))
	if api.logger == nil {
		t.Fatal("New(nil, pub) left logger nil; expected Nop logger")
	}
	if api.limiter == nil {
		t.Error("expected default rate limiter")
	}
}

func TestNew_NilPublisher_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(logger, nil) did not panic")
		}
	}()
	New(log.Nop(), nil)
}

// Report ingestion

func TestReport_Accepted(t *testing.T) {
	t.Parallel()

	b := membroker.New(membroker.WithHistory())
	r := newTestRouter(t, b)

	rec := post(r, validReport, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var got Accepted
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !got.Accepted || got.TraceID == "" || got.EventID == "" || got.PublishedTopic != event.TopicTelemetry {
		t.Errorf("response = %+v", got)
	}

	msgs := b.Published(event.TopicTelemetry)
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	if msgs[0].Key != "citizen-001" {
		t.Errorf("key = %q", msgs[0].Key)
	}
	ev, err := event.Decode[event.TelemetryPayload](msgs[0].Value, event.TypeTelemetry)
	if err != nil {
		t.Fatalf("decode telemetry: %v", err)
	}
	if ev.TraceID != got.TraceID || ev.EventID != got.EventID {
		t.Errorf("envelope ids %q/%q, response %q/%q", ev.TraceID, ev.EventID, got.TraceID, got.EventID)
	}
	if !ev.Payload.Emergency {
		t.Error("emergency should default to true")
	}
	if ev.Payload.Signals.AudioSignature != "gunshot_like" {
		t.Errorf("signals = %+v", ev.Payload.Signals)
	}
}

func TestReport_HonorsInboundTraceID(t *testing.T) {
	t.Parallel()

	b := membroker.New(membroker.WithHistory())
	rec := post(newTestRouter(t, b), validReport, map[string]string{TraceHeader: "trace-from-client"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Accepted
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.TraceID != "trace-from-client" {
		t.Errorf("trace_id = %q", got.TraceID)
	}
}

func TestReport_EmergencyFalse(t *testing.T) {
	t.Parallel()

	b := membroker.New(membroker.WithHistory())
	rec := post(newTestRouter(t, b), `{"citizen_id":"c","lat":1,"lon":2,"emergency":false}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	ev, _ := event.Decode[event.TelemetryPayload](b.Published(event.TopicTelemetry)[0].Value, event.TypeTelemetry)
	if ev.Payload.Emergency {
		t.Error("explicit emergency=false was overridden")
	}
}

func TestReport_BadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid JSON", `{bad`, "invalid_payload"},
		{"missing citizen", `{"lat":1,"lon":2}`, "citizen_id_required"},
		{"blank citizen", `{"citizen_id":"  ","lat":1,"lon":2}`, "citizen_id_required"},
		{"missing lat", `{"citizen_id":"c","lon":2}`, "invalid_location"},
		{"missing lon", `{"citizen_id":"c","lat":2}`, "invalid_location"},
		{"lat out of range", `{"citizen_id":"c","lat":90.5,"lon":2}`, "invalid_location"},
		{"lon out of range", `{"citizen_id":"c","lat":1,"lon":-180.1}`, "invalid_location"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := membroker.New(membroker.WithHistory())
			rec := post(newTestRouter(t, b), tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantCode) {
				t.Errorf("body = %s, want %s", rec.Body.String(), tt.wantCode)
			}
			if n := len(b.Published(event.TopicTelemetry)); n != 0 {
				t.Errorf("published %d messages for a rejected report", n)
			}
		})
	}
}

func TestReport_PublishFailure(t *testing.T) {
	t.Parallel()

	rec := post(newTestRouter(t, failingPublisher{}), validReport, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestReport_RateLimited(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, membroker.New(membroker.WithHistory()), WithRateLimit(2))
	for i := 0; i < 2; i++ {
		if rec := post(r, validReport, nil); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := post(r, validReport, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestReport_RateLimitDisabled(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, membroker.New(membroker.WithHistory()), WithRateLimit(0))
	for i := 0; i < 50; i++ {
		if rec := post(r, validReport, nil); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
}

func TestReport_CustomTopic(t *testing.T) {
	t.Parallel()

	b := membroker.New(membroker.WithHistory())
	rec := post(newTestRouter(t, b, WithTopic("custom.telemetry")), validReport, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(b.Published("custom.telemetry")) != 1 {
		t.Error("report not published on custom topic")
	}
}

func TestRegisterRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, membroker.New(membroker.WithHistory()))
	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(m, "/v1/emergency/report", http.NoBody)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s = %d, want 405", m, rec.Code)
		}
	}
}
