// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/sentinelmesh/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{incidents: make(map[string]*incident.Incident)}
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inc
	return &cp, true, nil
}

// Upsert stores a copy of inc, or merges the routing fields into the existing
// record when the id is already present and copies the stored record back
// into inc.
func (s *Store) Upsert(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.incidents[inc.ID]; ok {
		cur.ResponderID = inc.ResponderID
		cur.ETASeconds = inc.ETASeconds
		cur.DistanceMeters = inc.DistanceMeters
		*inc = *cur
		return nil
	}
	cp := *inc
	s.incidents[inc.ID] = &cp
	return nil
}

// Len returns the number of stored incidents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}
