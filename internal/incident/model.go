package incident

import (
	"slices"
	"time"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusReported means received, not yet verified
	StatusReported Status = "reported"

	// StatusConfirmed means verified as a real incident
	StatusConfirmed Status = "confirmed"

	// StatusOngoing means the attack or exposure is still active
	StatusOngoing Status = "ongoing"

	// StatusMitigated means contained but not fully remediated
	StatusMitigated Status = "mitigated"

	// StatusResolved means remediated and closed out
	StatusResolved Status = "resolved"

	// StatusDisputed means the report is contested and under review
	StatusDisputed Status = "disputed"
)

// Statuses lists every lifecycle status in table order.
var Statuses = []Status{
	StatusReported,
	StatusConfirmed,
	StatusOngoing,
	StatusMitigated,
	StatusResolved,
	StatusDisputed,
}

// Valid reports whether s is one of the six lifecycle statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Severity is the assessed impact of an incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Incident is a tracked cybersecurity event.
type Incident struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Severity        Severity  `json:"severity"`
	Status          Status    `json:"status"`
	DiscoveredAt    time.Time `json:"discovery_date"`
	UpdatedAt       time.Time `json:"last_updated"`
	SourceIDs       []string  `json:"source_ids"`
	Classifications []string  `json:"classifications"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (i *Incident) Clone() *Incident {
	cp := *i
	cp.SourceIDs = slices.Clone(i.SourceIDs)
	cp.Classifications = slices.Clone(i.Classifications)
	return &cp
}

// HasSource reports whether source is among the incident's source IDs.
func (i *Incident) HasSource(source string) bool {
	return slices.Contains(i.SourceIDs, source)
}

// NewIncident carries the caller-supplied fields for Service.Create.
type NewIncident struct {
	Title           string
	Description     string
	Severity        Severity
	DiscoveredAt    time.Time
	SourceIDs       []string
	Classifications []string
}

// Filter narrows Store.List. Zero values match everything.
type Filter struct {
	Status   Status
	Severity Severity
}

// Match reports whether inc passes the filter.
func (f Filter) Match(inc *Incident) bool {
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	return true
}

// Timeline event kinds written by the service.
const (
	EventCreated           = "created"
	EventStatusChanged     = "status_changed"
	EventDuplicateReported = "duplicate_reported"
	EventNote              = "note"
)

// TimelineEvent is an immutable audit record of something that happened to an incident.
type TimelineEvent struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	Kind       string         `json:"event"`
	Details    map[string]any `json:"details"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DuplicationResult is the outcome of a duplicate check.
type DuplicationResult struct {
	IsDuplicate bool    `json:"is_duplicate"`
	MatchedID   string  `json:"matched_incident_id,omitempty"`
	Similarity  float64 `json:"similarity"`
}
