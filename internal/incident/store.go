package incident

import (
	"context"
	"time"
)

// Store is the persistence interface for incidents.
//
// List returns incidents in creation order. UpdateStatus is a compare-and-swap:
// it fails with ErrStatusConflict when the stored status is not from, and with
// ErrNotFound when the incident does not exist.
type Store interface {
	Create(ctx context.Context, inc *Incident) error
	Get(ctx context.Context, id string) (*Incident, bool, error)
	List(ctx context.Context, filter Filter) ([]Incident, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (*Incident, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Ledger is the append-only timeline of events per incident.
//
// Append assigns the event ID and timestamp. List returns events in append
// order and an empty slice for unknown incidents.
type Ledger interface {
	Append(ctx context.Context, incidentID, kind string, details map[string]any) (*TimelineEvent, error)
	List(ctx context.Context, incidentID string) ([]TimelineEvent, error)
	DeleteAll(ctx context.Context, incidentID string) (bool, error)
}
