package fsm

import (
	"context"
	"sync"
	"time"
)

// ExecutionOption configures an Execution at construction time.
type ExecutionOption[S ~string, C any] func(*Execution[S, C])

// WithHooks attaches lifecycle callbacks to the Execution.
func WithHooks[S ~string, C any](hooks ExecutionHooks[S, C]) ExecutionOption[S, C] {
	return func(e *Execution[S, C]) { e.hooks = hooks }
}

// WithNow overrides the time source used to stamp history entries.
func WithNow[S ~string, C any](now func() time.Time) ExecutionOption[S, C] {
	return func(e *Execution[S, C]) {
		if now != nil {
			e.now = now
		}
	}
}

// Execution is a thread-safe, stateful wrapper around a Machine. It tracks
// the current state, the event history and the cancellation of one
// workflow instance.
type Execution[S ~string, C any] struct {
	// fireMu serialises Fire calls so transitions are never concurrent.
	// Activities run while fireMu is held but mu is NOT held, so state
	// reads remain responsive during activities.
	fireMu sync.Mutex

	mu        sync.Mutex
	machine   *Machine[S, C]
	state     S
	history   []HistoryEntry[S]
	hooks     ExecutionHooks[S, C]
	now       func() time.Time
	cancelCtx context.Context
	cancelFn  context.CancelFunc
}

// NewExecution creates an Execution starting in initial.
//
// ctx is the lifecycle context of the Execution; cancelling it (or calling
// Cancel) makes every later Fire return ErrExecutionCancelled.
func (m *Machine[S, C]) NewExecution(ctx context.Context, initial S, opts ...ExecutionOption[S, C]) *Execution[S, C] {
	ctx, cancel := context.WithCancel(ctx)
	e := &Execution[S, C]{
		machine:   m,
		state:     initial,
		now:       time.Now,
		cancelCtx: ctx,
		cancelFn:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fire drives the Execution to its next state via ev.
//
// Activities receive ctx; the Execution's own lifecycle only gates whether
// Fire may run at all.
func (e *Execution[S, C]) Fire(ctx context.Context, ev Event, c C) error {
	e.fireMu.Lock()
	defer e.fireMu.Unlock()

	e.mu.Lock()
	if e.cancelCtx.Err() != nil {
		e.mu.Unlock()
		return ErrExecutionCancelled
	}
	from := e.state
	e.mu.Unlock()

	at := e.now()
	to, err := e.machine.Fire(ctx, from, ev, c)

	e.mu.Lock()
	e.state = to
	e.history = append(e.history, HistoryEntry[S]{Event: ev, From: from, To: to, At: at, Err: err})
	e.mu.Unlock()

	if err != nil {
		if e.hooks.OnError != nil {
			e.hooks.OnError(ctx, from, ev, err, c)
		}
		return err
	}
	if e.hooks.OnTransition != nil {
		e.hooks.OnTransition(ctx, from, to, ev, c)
	}
	return nil
}

// Can reports whether ev would currently be accepted (routing and guards only).
func (e *Execution[S, C]) Can(ctx context.Context, ev Event, c C) error {
	if e.cancelCtx.Err() != nil {
		return ErrExecutionCancelled
	}
	return e.machine.Can(ctx, e.Current(), ev, c)
}

// Current returns the current state.
func (e *Execution[S, C]) Current() S {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Restore overrides the current state without running any Activity or
// hook. Used when resuming from a checkpoint.
func (e *Execution[S, C]) Restore(state S) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// History returns a snapshot copy of all recorded event attempts.
func (e *Execution[S, C]) History() []HistoryEntry[S] {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HistoryEntry[S], len(e.history))
	copy(out, e.history)
	return out
}

// Cancel ends the Execution. Later calls to Fire return ErrExecutionCancelled.
func (e *Execution[S, C]) Cancel() {
	e.cancelFn()
}

// Cancelled reports whether Cancel has been called.
func (e *Execution[S, C]) Cancelled() bool {
	return e.cancelCtx.Err() != nil
}
