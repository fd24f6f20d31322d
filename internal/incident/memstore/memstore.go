// Package memstore provides in-memory implementations of incident.Store and
// incident.Ledger. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/breachlog/internal/incident"
)

// Store holds incidents in memory and lists them in insertion order.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> incident
	order     []string                      // incident IDs in creation order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
	}
}

// Create stores a copy of inc. IDs must be unique.
func (s *Store) Create(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[inc.ID]; ok {
		return fmt.Errorf("incident %s already exists", inc.ID)
	}
	s.incidents[inc.ID] = inc.Clone()
	s.order = append(s.order, inc.ID)
	return nil
}

// Get retrieves an incident by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// List returns copies of the incidents matching filter in creation order.
func (s *Store) List(_ context.Context, filter incident.Filter) ([]incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]incident.Incident, 0, len(s.order))
	for _, id := range s.order {
		inc := s.incidents[id]
		if filter.Match(inc) {
			out = append(out, *inc.Clone())
		}
	}
	return out, nil
}

// UpdateStatus sets status to `to` if the stored status is still `from`.
func (s *Store) UpdateStatus(_ context.Context, id string, from, to incident.Status, at time.Time) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, incident.ErrNotFound
	}
	if inc.Status != from {
		return nil, fmt.Errorf("incident %s is %s, expected %s: %w", id, inc.Status, from, incident.ErrStatusConflict)
	}
	inc.Status = to
	inc.UpdatedAt = at
	return inc.Clone(), nil
}

// Delete removes an incident and reports whether it existed.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[id]; !ok {
		return false, nil
	}
	delete(s.incidents, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return true, nil
}

// Ledger holds timeline events in memory, per incident in append order.
type Ledger struct {
	mu     sync.RWMutex
	events map[string][]incident.TimelineEvent // incident ID -> events
	now    func() time.Time
}

// NewLedger initializes a new in-memory Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		events: make(map[string][]incident.TimelineEvent),
		now:    time.Now,
	}
}

// Append records a new event with a fresh ID and the current time.
func (l *Ledger) Append(_ context.Context, incidentID, kind string, details map[string]any) (*incident.TimelineEvent, error) {
	ev := incident.TimelineEvent{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		Kind:       kind,
		Details:    cloneDetails(details),
		Timestamp:  l.now(),
	}

	l.mu.Lock()
	l.events[incidentID] = append(l.events[incidentID], ev)
	l.mu.Unlock()

	ev.Details = cloneDetails(ev.Details)
	return &ev, nil
}

// List returns copies of the incident's events in append order.
func (l *Ledger) List(_ context.Context, incidentID string) ([]incident.TimelineEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.events[incidentID]
	out := make([]incident.TimelineEvent, len(src))
	for i, ev := range src {
		ev.Details = cloneDetails(ev.Details)
		out[i] = ev
	}
	return out, nil
}

// DeleteAll removes the incident's events and reports whether any existed.
func (l *Ledger) DeleteAll(_ context.Context, incidentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existed := len(l.events[incidentID]) > 0
	delete(l.events, incidentID)
	return existed, nil
}

// cloneDetails copies the top level of a details map.
func cloneDetails(d map[string]any) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
