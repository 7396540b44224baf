// Package jobs implements the job lifecycle engine: the status state
// machine, atomic audited transitions, submission/cancel/retry/pause
// operations, and the background scheduler that assigns pending jobs to
// render workers.
package jobs

import (
	"fmt"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// statusNames maps status ids to their wire names, matching the
// job_statuses lookup table.
var statusNames = map[db.JobStatus]string{
	db.StatusScheduled:  "scheduled",
	db.StatusPending:    "pending",
	db.StatusDispatched: "dispatched",
	db.StatusRunning:    "running",
	db.StatusCompleted:  "completed",
	db.StatusFailed:     "failed",
	db.StatusCancelled:  "cancelled",
	db.StatusPaused:     "paused",
	db.StatusRetrying:   "retrying",
}

// StatusName returns the wire name for a status id, or "unknown".
func StatusName(s db.JobStatus) string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// transitions is the legal edge set of the lifecycle graph. Completed,
// Failed and Cancelled are terminal: no outgoing edges. Retrying has no
// incoming edges; retry jobs are created in that status and immediately
// moved to Pending.
var transitions = map[db.JobStatus][]db.JobStatus{
	db.StatusScheduled:  {db.StatusPending, db.StatusCancelled},
	db.StatusPending:    {db.StatusDispatched, db.StatusPaused, db.StatusCancelled},
	db.StatusDispatched: {db.StatusRunning, db.StatusFailed, db.StatusCancelled},
	db.StatusRunning:    {db.StatusCompleted, db.StatusFailed, db.StatusCancelled, db.StatusPaused},
	db.StatusPaused:     {db.StatusPending, db.StatusCancelled},
	db.StatusRetrying:   {db.StatusPending},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to db.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing edges.
func IsTerminal(s db.JobStatus) bool {
	switch s {
	case db.StatusCompleted, db.StatusFailed, db.StatusCancelled:
		return true
	}
	return false
}

// TransitionError reports an attempted illegal edge, naming both states.
type TransitionError struct {
	From db.JobStatus
	To   db.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("jobs: illegal transition from %s to %s", StatusName(e.From), StatusName(e.To))
}

// Terminal reports whether the source state of the failed transition was
// terminal. Handlers map terminal-state violations to conflict and the
// rest to validation errors.
func (e *TransitionError) Terminal() bool {
	return IsTerminal(e.From)
}

// ValidateTransition returns nil for a legal edge and a *TransitionError
// otherwise. For every (from, to): ValidateTransition is nil exactly when
// CanTransition is true.
func ValidateTransition(from, to db.JobStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
