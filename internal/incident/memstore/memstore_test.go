package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinelmesh/internal/geo"
	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

func testIncident(id string) *incident.Incident {
	return &incident.Incident{
		ID:             id,
		TraceID:        "trace-1",
		Category:       "acoustic_gunshot",
		Confidence:     0.93,
		Location:       geo.Point{Lat: 20.6736, Lon: -103.344},
		CitizenID:      "citizen-001",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ResponderID:    "officer-001",
		ETASeconds:     126,
		DistanceMeters: 1523.4,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Upsert(ctx, testIncident("i-1")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := s.Get(ctx, "i-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected incident to be found")
	}
	if *got != *testIncident("i-1") {
		t.Errorf("got %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_UpsertMergesRoutingOnly(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	first := testIncident("i-2")
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	second := testIncident("i-2")
	second.Category = "panic_motion"
	second.Confidence = 0.1
	second.CitizenID = "someone-else"
	second.Location = geo.Point{Lat: 1, Lon: 1}
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	second.ResponderID = "officer-009"
	second.ETASeconds = 60
	second.DistanceMeters = 720
	if err := s.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("Upsert did not report stored CreatedAt: %v", second.CreatedAt)
	}
	if second.Category != first.Category || second.Confidence != first.Confidence ||
		second.CitizenID != first.CitizenID || second.Location != first.Location {
		t.Errorf("Upsert did not report stored escalation fields: %+v", second)
	}
	if second.ResponderID != "officer-009" {
		t.Errorf("Upsert lost routing fields: %+v", second)
	}

	got, _, _ := s.Get(ctx, "i-2")
	if got.Category != "acoustic_gunshot" || got.Confidence != 0.93 || got.CitizenID != "citizen-001" {
		t.Errorf("immutable fields changed: %+v", got)
	}
	if got.Location != first.Location || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("location/created_at changed: %+v", got)
	}
	if got.ResponderID != "officer-009" || got.ETASeconds != 60 || got.DistanceMeters != 720 {
		t.Errorf("routing fields not updated: %+v", got)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Upsert(ctx, testIncident("i-3"))

	got, _, _ := s.Get(ctx, "i-3")
	got.Category = "mutated"

	again, _, _ := s.Get(ctx, "i-3")
	if again.Category != "acoustic_gunshot" {
		t.Errorf("store was mutated through returned pointer: %q", again.Category)
	}
}

func TestStore_ConcurrentUpserts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc := testIncident(fmt.Sprintf("i-%d", i%10))
			inc.ETASeconds = i
			_ = s.Upsert(ctx, inc)
		}()
	}
	wg.Wait()

	if s.Len() != 10 {
		t.Errorf("Len = %d, want 10", s.Len())
	}
}
