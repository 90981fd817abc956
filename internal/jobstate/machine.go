// Package jobstate centralizes the EmailJob lifecycle state machine. Every
// status change in the system goes through the transition table defined here;
// no other package compares or assigns status strings directly.
//
// The authoritative state machine:
//
//	pending -> scheduled -> processing -> completed   (terminal)
//	                                   \-> failed     (terminal unless retried)
//	pending|scheduled -> cancelled                    (terminal unless retried)
//	scheduled -> failed                               (via the orphan sweep)
//	failed|cancelled -> scheduled                     (via retry)
//	completed -> scheduled                            (via resend; applied to a
//	                                                   fresh job record, never
//	                                                   to the completed one)
package jobstate

import (
	"fmt"

	"mentormail/internal/types"
)

// Event is a lifecycle trigger that may move a job between statuses.
type Event string

const (
	// EventSchedule registers a pending job with the queue.
	EventSchedule Event = "schedule"
	// EventClaim marks that the delivery worker has begun processing.
	EventClaim Event = "claim"
	// EventComplete records a successful provider send.
	EventComplete Event = "complete"
	// EventFail records a failed provider send or render error.
	EventFail Event = "fail"
	// EventExpire fails a scheduled job whose delivery message never
	// arrived. Fired only by the reconciliation sweep, after the grace
	// period.
	EventExpire Event = "expire"
	// EventCancel is a manual cancellation. It only applies before the
	// worker claims the job; cancelling a processing job is a no-op race
	// the caller must tolerate.
	EventCancel Event = "cancel"
	// EventRetry re-enters a failed or cancelled job into the queue.
	EventRetry Event = "retry"
	// EventResend schedules a fresh delivery for an already-completed job.
	// The status service applies this to a new job record linked via
	// ResendOf; the completed record's history is never rewritten.
	EventResend Event = "resend"
)

// transitions is the legal-transition table. A missing entry means the
// (status, event) pair is invalid.
var transitions = map[types.JobStatus]map[Event]types.JobStatus{
	types.JobStatusPending: {
		EventSchedule: types.JobStatusScheduled,
		EventCancel:   types.JobStatusCancelled,
	},
	types.JobStatusScheduled: {
		EventClaim:  types.JobStatusProcessing,
		EventCancel: types.JobStatusCancelled,
		EventExpire: types.JobStatusFailed,
	},
	types.JobStatusProcessing: {
		EventComplete: types.JobStatusCompleted,
		EventFail:     types.JobStatusFailed,
	},
	types.JobStatusFailed: {
		EventRetry: types.JobStatusScheduled,
	},
	types.JobStatusCancelled: {
		EventRetry: types.JobStatusScheduled,
	},
	types.JobStatusCompleted: {
		EventResend: types.JobStatusScheduled,
	},
}

// InvalidTransitionError reports an illegal (status, event) pair.
type InvalidTransitionError struct {
	From  types.JobStatus
	Event Event
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("jobstate: event %q is not valid from status %q", e.Event, e.From)
}

// Transition returns the status a job moves to when the given event fires,
// or an *InvalidTransitionError if the pair is illegal.
func Transition(from types.JobStatus, ev Event) (types.JobStatus, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return "", &InvalidTransitionError{From: from, Event: ev}
}

// Sources returns every status from which the given event may legally fire.
// The store uses this to build status-guarded conditional updates, making
// each transition atomic at the persistence layer.
func Sources(ev Event) []types.JobStatus {
	var from []types.JobStatus
	// Iterate in a fixed order so guards are deterministic.
	for _, s := range []types.JobStatus{
		types.JobStatusPending,
		types.JobStatusScheduled,
		types.JobStatusProcessing,
		types.JobStatusFailed,
		types.JobStatusCancelled,
		types.JobStatusCompleted,
	} {
		if _, ok := transitions[s][ev]; ok {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminal reports whether a status has settled for accounting purposes.
// Terminal statuses still admit retry/resend, which re-open a delivery; this
// helper exists for "fully settled" checks such as batch-activity scans.
func IsTerminal(s types.JobStatus) bool {
	switch s {
	case types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled:
		return true
	default:
		return false
	}
}
