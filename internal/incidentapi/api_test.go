package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
	"github.com/linnemanlabs/sentinelmesh/internal/incident/memstore"
)

type errReader struct{}

func (errReader) Get(context.Context, string) (*incident.Incident, bool, error) {
	return nil, false, errors.New("db down")
}

func newTestRouter(t *testing.T, store Reader) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, store).RegisterRoutes(r)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return rec
}

func TestGetIncident_Found(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = store.Upsert(context.Background(), &incident.Incident{
		ID:             "inc-1",
		TraceID:        "trace-1",
		Category:       "acoustic_gunshot",
		Confidence:     0.93,
		Location:       geo.Point{Lat: 20.6736, Lon: -103.344},
		CitizenID:      "citizen-001",
		CreatedAt:      created,
		ResponderID:    "officer-001",
		ETASeconds:     126,
		DistanceMeters: 1523.4,
	})

	rec := get(newTestRouter(t, store), "/v1/incidents/inc-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "inc-1" || body["officer_id"] != "officer-001" || body["trace_id"] != "trace-1" {
		t.Errorf("body = %v", body)
	}
	if body["eta_seconds"] != float64(126) {
		t.Errorf("eta_seconds = %v", body["eta_seconds"])
	}
	if body["lat"] != 20.6736 || body["lon"] != -103.344 {
		t.Errorf("lat/lon = %v/%v", body["lat"], body["lon"])
	}
	if _, nested := body["location"]; nested {
		t.Error("location must be flat lat/lon fields")
	}
}

func TestGetIncident_NotFound(t *testing.T) {
	t.Parallel()

	rec := get(newTestRouter(t, memstore.New()), "/v1/incidents/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "incident_not_found" {
		t.Errorf("body = %v", body)
	}
}

func TestGetIncident_StoreError(t *testing.T) {
	t.Parallel()

	rec := get(newTestRouter(t, errReader{}), "/v1/incidents/x")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRegisterRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, memstore.New())
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(m, "/v1/incidents/x", http.NoBody))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s = %d, want 405", m, rec.Code)
		}
	}
}

func TestNew_NilStore_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil store")
		}
	}()
	New(nil, nil)
}
