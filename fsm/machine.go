package fsm

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Machine is the immutable, compiled state graph. Build it once with Define
// and share it freely; all per-instance state lives in the caller or in an
// Execution.
type Machine[S ~string, C any] struct {
	name       string
	routes     map[S]map[Event]*route[S, C]
	entryHooks map[S][]Activity[C]
	exitHooks  map[S][]Activity[C]
	logger     Logger
}

// Name returns the name given with Builder.Named.
func (m *Machine[S, C]) Name() string { return m.name }

// Fire drives the machine from current via ev, returning the new state.
// It is stateless: the caller is responsible for keeping the returned state.
//
// Execution order for a successful transition:
//  1. Evaluate guards.
//  2. Resolve the destination (evaluate conditions/switch if needed).
//  3. Run OnExit hooks for current.
//  4. Run transition Activities (with saga compensation on failure).
//  5. Log the transition.
//  6. Run OnEnter hooks for the new state.
//
// On error the effective state is returned alongside the error; it equals
// current unless an OnEnter hook failed.
func (m *Machine[S, C]) Fire(ctx context.Context, current S, ev Event, c C) (S, error) {
	r, err := m.lookup(current, ev)
	if err != nil {
		return current, err
	}

	// Conditions may read whatever the guards vouch for, so guards go first.
	if err := m.checkGuards(ctx, r, c); err != nil {
		return current, err
	}

	dst, err := m.resolve(ctx, r, c)
	if err != nil {
		return current, err
	}

	if err := runHooks(ctx, m.exitHooks[current], c); err != nil {
		return current, fmt.Errorf("fsm: OnExit hook failed for state=%q: %w", current, err)
	}

	if err := m.executeSteps(ctx, r, c); err != nil {
		return current, err
	}

	m.logger.LogTransition(Transition{
		Machine: m.name,
		From:    string(current),
		Event:   string(ev),
		To:      string(dst),
	})

	// OnEnter failure returns dst so callers know the state has already changed.
	if err := runHooks(ctx, m.entryHooks[dst], c); err != nil {
		return dst, fmt.Errorf("fsm: OnEnter hook failed for state=%q: %w", dst, err)
	}

	return dst, nil
}

// Can reports whether ev would be accepted in current, evaluating routing
// and guards only. No hook or Activity runs.
func (m *Machine[S, C]) Can(ctx context.Context, current S, ev Event, c C) error {
	r, err := m.lookup(current, ev)
	if err != nil {
		return err
	}
	if err := m.checkGuards(ctx, r, c); err != nil {
		return err
	}
	_, err = m.resolve(ctx, r, c)
	return err
}

// Target resolves the destination ev would lead to from current, without
// evaluating guards.
func (m *Machine[S, C]) Target(ctx context.Context, current S, ev Event, c C) (S, error) {
	r, err := m.lookup(current, ev)
	if err != nil {
		return current, err
	}
	return m.resolve(ctx, r, c)
}

func (m *Machine[S, C]) lookup(current S, ev Event) (*route[S, C], error) {
	events, ok := m.routes[current]
	if !ok {
		return nil, fmt.Errorf("%w: machine=%q state=%q event=%q", ErrUnknownEvent, m.name, current, ev)
	}
	r, ok := events[ev]
	if !ok {
		return nil, fmt.Errorf("%w: machine=%q state=%q event=%q", ErrUnknownEvent, m.name, current, ev)
	}
	return r, nil
}

func (m *Machine[S, C]) checkGuards(ctx context.Context, r *route[S, C], c C) error {
	for _, g := range r.guards {
		if err := g(ctx, c); err != nil {
			return fmt.Errorf("%w: %w", ErrGuardRejected, err)
		}
	}
	return nil
}

// executeSteps runs each step in order. On failure it runs saga
// compensations in reverse for every completed step that carries one.
func (m *Machine[S, C]) executeSteps(ctx context.Context, r *route[S, C], c C) error {
	for i, s := range r.steps {
		if err := s.activity(ctx, c); err != nil {
			// Best-effort; compensation errors are suppressed.
			for j := i - 1; j >= 0; j-- {
				if comp := r.steps[j].compensate; comp != nil {
					_ = comp(ctx, c)
				}
			}
			return fmt.Errorf("fsm: activity[%d] failed: %w", i, err)
		}
	}
	return nil
}

func (m *Machine[S, C]) resolve(ctx context.Context, r *route[S, C], c C) (S, error) {
	var zero S
	switch r.kind {
	case routeSimple:
		return r.dst, nil

	case routeCond:
		for _, cc := range r.condCases {
			if cc.cond(ctx, c) {
				return cc.dst, nil
			}
		}
		if r.hasElse {
			return r.elseDst, nil
		}
		return zero, ErrNoConditionMatched

	case routeSwitch:
		val := r.switchExpr(ctx, c)
		for _, sc := range r.switchCases {
			if sc.value == val {
				return sc.dst, nil
			}
		}
		if r.hasDefault {
			return r.defaultDst, nil
		}
		return zero, fmt.Errorf("%w: switch matched no case (value=%v)", ErrNoConditionMatched, val)

	default:
		return zero, fmt.Errorf("fsm: unknown route kind %d", r.kind)
	}
}

func runHooks[C any](ctx context.Context, hooks []Activity[C], c C) error {
	for _, a := range hooks {
		if err := a(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the events accepted in state, sorted alphabetically.
func (m *Machine[S, C]) Events(state S) []Event {
	evs := make([]Event, 0, len(m.routes[state]))
	for ev := range m.routes[state] {
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i] < evs[j] })
	return evs
}

// States returns all states that have at least one outgoing transition, sorted.
func (m *Machine[S, C]) States() []S {
	states := make([]S, 0, len(m.routes))
	for s := range m.routes {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

// Visualize renders the graph as a Mermaid stateDiagram-v2. Conditional
// and switch routes get one edge per destination, labelled with the event
// and the branch.
func (m *Machine[S, C]) Visualize() string {
	var sb strings.Builder
	sb.WriteString("stateDiagram-v2\n")
	if m.name != "" {
		fmt.Fprintf(&sb, "    %%%% machine %s\n", m.name)
	}
	for _, state := range m.States() {
		for _, ev := range m.Events(state) {
			for _, e := range routeEdges(m.routes[state][ev]) {
				label := string(ev)
				if e.branch != "" {
					label += " [" + e.branch + "]"
				}
				fmt.Fprintf(&sb, "    %s --> %s : %s\n", state, e.dst, label)
			}
		}
	}
	return sb.String()
}

type edge struct {
	dst    string
	branch string
}

func routeEdges[S ~string, C any](r *route[S, C]) []edge {
	switch r.kind {
	case routeSimple:
		return []edge{{dst: string(r.dst)}}
	case routeCond:
		out := make([]edge, 0, len(r.condCases)+1)
		for i, c := range r.condCases {
			out = append(out, edge{dst: string(c.dst), branch: fmt.Sprintf("if #%d", i+1)})
		}
		if r.hasElse {
			out = append(out, edge{dst: string(r.elseDst), branch: "else"})
		}
		return out
	case routeSwitch:
		out := make([]edge, 0, len(r.switchCases)+1)
		for _, sc := range r.switchCases {
			out = append(out, edge{dst: string(sc.dst), branch: fmt.Sprintf("%v", sc.value)})
		}
		if r.hasDefault {
			out = append(out, edge{dst: string(r.defaultDst), branch: "default"})
		}
		return out
	default:
		return nil
	}
}
