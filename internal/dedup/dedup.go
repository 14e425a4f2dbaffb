// Package dedup remembers which inbound events a stage has already
// completed so redelivered messages can be acked without reprocessing.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a completed event id is remembered.
const DefaultTTL = 24 * time.Hour

// Guard records completed events per stage.
type Guard interface {
	Seen(ctx context.Context, stage, eventID string) (bool, error)
	Mark(ctx context.Context, stage, eventID string) error
}

// Memory is an in-process Guard with per-entry expiry.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

// NewMemory returns a Memory guard. A non-positive ttl means DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

func memKey(stage, eventID string) string { return stage + "\x00" + eventID }

// Seen reports whether eventID was marked for stage and has not expired.
func (m *Memory) Seen(_ context.Context, stage, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[memKey(stage, eventID)]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.entries, memKey(stage, eventID))
		return false, nil
	}
	return true, nil
}

// Mark records eventID for stage and sweeps expired entries.
func (m *Memory) Mark(_ context.Context, stage, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
	m.entries[memKey(stage, eventID)] = now.Add(m.ttl)
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
