// Package incidentapi serves read access to persisted incidents.
package incidentapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

// Reader looks up incidents by id.
type Reader interface {
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  Reader
}

// New creates a new API handler.
func New(logger log.Logger, store Reader) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	return &API{logger: logger, store: store}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/v1/incidents/{id}", a.handleGetIncident)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinelmesh.incident_id", id))

	inc, ok, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "incident_id", id)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "incident_not_found"})
		return
	}

	span.SetAttributes(attribute.String("sentinelmesh.trace_id", inc.TraceID))
	writeJSON(w, http.StatusOK, inc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
