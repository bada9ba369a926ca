package task

import econoserrors "econos/internal/errors"

// transitions is the legal successor table for the task lifecycle.
// Terminal states have no successors.
var transitions = map[Status][]Status{
	StatusPending:    {StatusCreated, StatusFailed},
	StatusCreated:    {StatusAuthorized, StatusRefunded, StatusFailed},
	StatusAuthorized: {StatusRunning, StatusRefunded, StatusFailed},
	StatusRunning:    {StatusCompleted, StatusRefunded, StatusFailed},
	StatusCompleted:  nil,
	StatusRefunded:   nil,
	StatusFailed:     nil,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidTransitionError when from -> to is
// not in the successor table.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &econoserrors.InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}

// AllowedSuccessors returns a copy of the legal next states for s.
func AllowedSuccessors(s Status) []Status {
	next := transitions[s]
	if len(next) == 0 {
		return nil
	}
	return append([]Status(nil), next...)
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// IsActive reports whether a task in state s still occupies the
// lifecycle (eligible for expiry sweeps and event handling).
func IsActive(s Status) bool {
	switch s {
	case StatusCreated, StatusAuthorized, StatusRunning:
		return true
	}
	return false
}

// CanRefund reports whether a refund-and-slash is legal from s.
func CanRefund(s Status) bool {
	return CanTransition(s, StatusRefunded)
}

// CanComplete reports whether completion is legal from s. Only a
// running task may complete directly; earlier states must pass through
// Running first.
func CanComplete(s Status) bool {
	return CanTransition(s, StatusCompleted)
}
