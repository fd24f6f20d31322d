package incident

import "slices"

// transitions maps each status to the statuses it may move to next.
// disputed reopens investigation, so the graph has no terminal state.
var transitions = map[Status][]Status{
	StatusReported:  {StatusConfirmed, StatusDisputed},
	StatusConfirmed: {StatusOngoing, StatusDisputed},
	StatusOngoing:   {StatusMitigated, StatusDisputed},
	StatusMitigated: {StatusResolved, StatusDisputed},
	StatusResolved:  {StatusDisputed},
	StatusDisputed:  {StatusReported, StatusConfirmed},
}

// CanTransition reports whether an incident in status from may move to status to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// NextStatuses returns a copy of the statuses reachable from s.
func NextStatuses(s Status) []Status {
	return slices.Clone(transitions[s])
}

// checkTransition validates a requested change and returns a *TransitionError
// or *ValidationError describing why it is not allowed.
func checkTransition(from, to Status) error {
	if !to.Valid() {
		return invalid("status", "must be one of %v", Statuses)
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
