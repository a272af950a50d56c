// Package fsm provides the typed state-graph engine used by every workflow in
// dealflow: the transaction orchestrator, the negotiation session, the
// payment and delivery selector and the delivery tracker.
//
// # Terminology
//
//   - Machine: immutable, compiled state graph (build once, share freely).
//   - Execution: stateful wrapper around a Machine; one per workflow instance.
//   - Event: the named input that drives a Machine to its next state.
//   - Guard: a precondition; a non-nil error rejects the transition.
//   - Activity: a unit of work run during a transition or a state hook.
//   - Condition: a predicate for if-else routing.
//   - SwitchExpr: extracts a routing key for switch-case routing.
//   - Middleware: wraps an Activity to add cross-cutting behaviour.
//
// # Type parameters
//
// S is the state type (any string-backed type) and C is the context value
// passed through every event:
//
//	m, _ := fsm.Define[Step, *Checkout]().
//	    From(StepDelivery).On("next").
//	    Guard(addressRequired).
//	    Switch(deliveryKind).
//	    Case(market.DeliveryPickup, StepConfirmation).
//	    Default(StepTransporter).
//	    Build()
package fsm

import (
	"context"
	"time"
)

// Event names an input to a Machine.
type Event string

// Activity is the unit of work run during a transition or on state entry and
// exit. If an Activity returns an error the transition is aborted and the
// state is unchanged (except for OnEnter failures where the new state is
// already set).
type Activity[C any] func(ctx context.Context, c C) error

// Guard is a transition precondition. A non-nil error rejects the transition
// before any hook or Activity runs; the error is returned wrapped with
// ErrGuardRejected.
type Guard[C any] func(ctx context.Context, c C) error

// Condition evaluates a predicate for if-else routing.
type Condition[C any] func(ctx context.Context, c C) bool

// SwitchExpr extracts the routing key for switch-case routing.
// The returned value is compared with Case values using ==.
type SwitchExpr[C any] func(ctx context.Context, c C) any

// Middleware wraps an Activity to add cross-cutting behaviour such as
// tracing or metrics.
type Middleware[C any] func(Activity[C]) Activity[C]

// Transition describes one successful state change. It is what Loggers see.
type Transition struct {
	Machine string
	From    string
	Event   string
	To      string
}

// HistoryEntry records one event attempt on an Execution, successful or not.
type HistoryEntry[S ~string] struct {
	Event Event
	From  S
	To    S // equals From on error
	At    time.Time
	Err   error
}

// ExecutionHooks provides optional lifecycle callbacks for an Execution.
type ExecutionHooks[S ~string, C any] struct {
	// OnTransition is called after every successful state change.
	OnTransition func(ctx context.Context, from, to S, event Event, c C)
	// OnError is called when Fire returns an error.
	OnError func(ctx context.Context, state S, event Event, err error, c C)
}

type routeKind int

const (
	routeSimple routeKind = iota
	routeCond
	routeSwitch
)

// route is the immutable compiled form of a single event handler.
type route[S ~string, C any] struct {
	kind   routeKind
	guards []Guard[C]

	// routeSimple
	dst   S
	steps []step[C]

	// routeCond
	condCases []condCase[S, C]
	elseDst   S
	hasElse   bool

	// routeSwitch
	switchExpr  SwitchExpr[C]
	switchCases []switchCase[S]
	defaultDst  S
	hasDefault  bool
}

// step is a single Activity with an optional saga compensation.
type step[C any] struct {
	activity   Activity[C]
	compensate Activity[C]
}

type condCase[S ~string, C any] struct {
	cond Condition[C]
	dst  S
}

type switchCase[S ~string] struct {
	value any
	dst   S
}
