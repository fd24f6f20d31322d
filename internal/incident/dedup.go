package incident

import "fmt"

const (
	// DefaultSameSourceThreshold applies when the candidate's source already
	// reported the existing incident.
	DefaultSameSourceThreshold = 0.70

	// DefaultCrossSourceThreshold applies across independent sources.
	DefaultCrossSourceThreshold = 0.85
)

// Deduplicator classifies an incoming (title, source) pair as a restatement
// of a tracked incident or as new. It holds no state besides its thresholds
// and never mutates the pool it scans.
type Deduplicator struct {
	sameSource  float64
	crossSource float64
}

// NewDeduplicator returns a Deduplicator with the given cross-source threshold.
// The threshold must lie in [0,1].
func NewDeduplicator(crossSource float64) (*Deduplicator, error) {
	if !(crossSource >= 0 && crossSource <= 1) { // also rejects NaN
		return nil, fmt.Errorf("cross-source threshold %v out of range [0,1]", crossSource)
	}
	return &Deduplicator{
		sameSource:  DefaultSameSourceThreshold,
		crossSource: crossSource,
	}, nil
}

// DefaultDeduplicator returns a Deduplicator using the default thresholds.
func DefaultDeduplicator() *Deduplicator {
	return &Deduplicator{
		sameSource:  DefaultSameSourceThreshold,
		crossSource: DefaultCrossSourceThreshold,
	}
}

// CrossSourceThreshold returns the threshold used across independent sources.
func (d *Deduplicator) CrossSourceThreshold() float64 { return d.crossSource }

// Check scans pool in order and returns the first incident that the candidate
// duplicates. A same-source match needs similarity above 0.70, any other match
// needs similarity above the cross-source threshold. First match wins, not best.
func (d *Deduplicator) Check(title, source string, pool []Incident) DuplicationResult {
	for i := range pool {
		existing := &pool[i]
		sim := Similarity(title, existing.Title)

		if existing.HasSource(source) && sim > d.sameSource {
			return DuplicationResult{IsDuplicate: true, MatchedID: existing.ID, Similarity: sim}
		}
		if sim > d.crossSource {
			return DuplicationResult{IsDuplicate: true, MatchedID: existing.ID, Similarity: sim}
		}
	}
	return DuplicationResult{}
}
