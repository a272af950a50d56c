package fsm

import "errors"

// Sentinel errors returned by Machine and Execution methods.
// Use errors.Is() for matching:
//
//	if errors.Is(err, fsm.ErrGuardRejected) { ... }
var (
	// ErrUnknownEvent is returned when no transition is registered for the
	// given event in the current state.
	ErrUnknownEvent = errors.New("fsm: unknown event for current state")

	// ErrNoConditionMatched is returned when a conditional (if-else or switch)
	// route matches no branch and has no else/default clause.
	ErrNoConditionMatched = errors.New("fsm: no condition matched and no else/default clause defined")

	// ErrGuardRejected wraps the error of a Guard that refused a transition.
	ErrGuardRejected = errors.New("fsm: guard rejected transition")

	// ErrRetryExhausted is returned by RetryPolicy.Next once every attempt failed.
	ErrRetryExhausted = errors.New("fsm: retry attempts exhausted")

	// ErrExecutionCancelled is returned by Execution.Fire once the Execution
	// has been cancelled.
	ErrExecutionCancelled = errors.New("fsm: execution has been cancelled")
)
