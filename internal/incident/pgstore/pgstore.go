// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
	"github.com/linnemanlabs/sentinelmesh/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinelmesh/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool stays
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, trace_id, category, confidence, lat, lon, citizen_id, created_at,
	officer_id, eta_seconds, distance_meters`

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()
	ctx = postgres.WithIncident(ctx, id, "")

	var (
		inc      incident.Incident
		lat, lon float64
	)
	err := s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id).Scan(
		&inc.ID, &inc.TraceID, &inc.Category, &inc.Confidence, &lat, &lon, &inc.CitizenID, &inc.CreatedAt,
		&inc.ResponderID, &inc.ETASeconds, &inc.DistanceMeters,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("select incident: %w", err)
	}
	inc.Location = geo.Point{Lat: lat, Lon: lon}
	inc.CreatedAt = inc.CreatedAt.UTC()
	return &inc, true, nil
}

// Upsert inserts the incident or, on id conflict, updates only the routing
// columns. The stored escalation columns are written back to inc.
func (s *Store) Upsert(ctx context.Context, inc *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Upsert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("sentinelmesh.incident_id", inc.ID),
	))
	defer span.End()
	ctx = postgres.WithIncident(ctx, inc.ID, inc.TraceID)

	var lat, lon float64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			officer_id      = EXCLUDED.officer_id,
			eta_seconds     = EXCLUDED.eta_seconds,
			distance_meters = EXCLUDED.distance_meters
		RETURNING trace_id, category, confidence, lat, lon, citizen_id, created_at`,
		inc.ID, inc.TraceID, inc.Category, inc.Confidence, inc.Location.Lat, inc.Location.Lon,
		inc.CitizenID, inc.CreatedAt, inc.ResponderID, inc.ETASeconds, inc.DistanceMeters,
	).Scan(&inc.TraceID, &inc.Category, &inc.Confidence, &lat, &lon, &inc.CitizenID, &inc.CreatedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert incident: %w", err)
	}
	inc.Location = geo.Point{Lat: lat, Lon: lon}
	inc.CreatedAt = inc.CreatedAt.UTC()
	return nil
}
