package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
	"github.com/linnemanlabs/sentinelmesh/internal/incident/pgstore"
	"github.com/linnemanlabs/sentinelmesh/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SENTINEL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SENTINEL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func testIncident() *incident.Incident {
	return &incident.Incident{
		ID:             incident.NewID(""),
		TraceID:        "trace-pg-1",
		Category:       "acoustic_gunshot",
		Confidence:     0.93,
		Location:       geo.Point{Lat: 20.6736, Lon: -103.344},
		CitizenID:      "citizen-001",
		CreatedAt:      time.Now().Truncate(time.Microsecond).UTC(),
		ResponderID:    "officer-001",
		ETASeconds:     126,
		DistanceMeters: 1523.4,
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	want := testIncident()
	if err := s.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := s.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "TraceID", want.TraceID, got.TraceID)
	assertEqual(t, "Category", want.Category, got.Category)
	assertEqual(t, "Confidence", want.Confidence, got.Confidence)
	assertEqual(t, "Location", want.Location, got.Location)
	assertEqual(t, "CitizenID", want.CitizenID, got.CitizenID)
	assertEqual(t, "ResponderID", want.ResponderID, got.ResponderID)
	assertEqual(t, "ETASeconds", want.ETASeconds, got.ETASeconds)
	assertEqual(t, "DistanceMeters", want.DistanceMeters, got.DistanceMeters)
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false")
	}
}

func TestUpsert_ConflictUpdatesRoutingOnly(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := testIncident()
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	second := *first
	second.Category = "panic_motion"
	second.Confidence = 0.2
	second.CitizenID = "citizen-999"
	second.Location = geo.Point{Lat: 1, Lon: 2}
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.ResponderID = "officer-002"
	second.ETASeconds = 42
	second.DistanceMeters = 504
	if err := s.Upsert(ctx, &second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("returned CreatedAt = %v, want stored %v", second.CreatedAt, first.CreatedAt)
	}
	assertEqual(t, "returned Category", first.Category, second.Category)
	assertEqual(t, "returned Confidence", first.Confidence, second.Confidence)
	assertEqual(t, "returned CitizenID", first.CitizenID, second.CitizenID)
	assertEqual(t, "returned Location", first.Location, second.Location)
	assertEqual(t, "returned ResponderID", "officer-002", second.ResponderID)

	got, _, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertEqual(t, "Category", first.Category, got.Category)
	assertEqual(t, "Confidence", first.Confidence, got.Confidence)
	assertEqual(t, "CitizenID", first.CitizenID, got.CitizenID)
	assertEqual(t, "Location", first.Location, got.Location)
	assertEqual(t, "ResponderID", "officer-002", got.ResponderID)
	assertEqual(t, "ETASeconds", 42, got.ETASeconds)
	assertEqual(t, "DistanceMeters", 504.0, got.DistanceMeters)
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}
