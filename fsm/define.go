package fsm

import "fmt"

// ─────────────────────────────────────────────────────────────────────────────
// Internal builder state (mutable, per-build)
// ─────────────────────────────────────────────────────────────────────────────

type routeDef[S ~string, C any] struct {
	kind   routeKind
	guards []Guard[C]

	dst   S
	steps []step[C]

	condCases []condCase[S, C]
	elseDst   S
	hasElse   bool

	switchExpr  SwitchExpr[C]
	switchCases []switchCase[S]
	defaultDst  S
	hasDefault  bool
}

type hookDef[S ~string, C any] struct {
	state      S
	activities []Activity[C]
	entry      bool // true = OnEnter, false = OnExit
}

// ─────────────────────────────────────────────────────────────────────────────
// Builder
// ─────────────────────────────────────────────────────────────────────────────

// Builder accumulates the machine definition before compiling it with Build.
// Obtain one via Define.
type Builder[S ~string, C any] struct {
	name       string
	routes     map[S]map[Event]*routeDef[S, C]
	hooks      []hookDef[S, C]
	middleware []Middleware[C]
	logger     Logger
	buildErrs  []error
}

// Define returns a new Builder for a Machine over states S and context C.
//
//	m, err := fsm.Define[Stage, *Tracker]().
//	    From(Preparing).On("advance").To(PickedUp).
//	    Build()
func Define[S ~string, C any]() *Builder[S, C] {
	return &Builder[S, C]{
		routes: make(map[S]map[Event]*routeDef[S, C]),
	}
}

// Named sets the machine name reported in every Transition.
func (b *Builder[S, C]) Named(name string) *Builder[S, C] {
	b.name = name
	return b
}

// WithLogger sets a custom Logger. Defaults to NoopLogger.
func (b *Builder[S, C]) WithLogger(l Logger) *Builder[S, C] {
	b.logger = l
	return b
}

// WithMiddleware registers machine-wide middleware applied to every Activity
// (transitions and hooks alike) at Build time. The first element is the
// outermost wrapper.
func (b *Builder[S, C]) WithMiddleware(mw ...Middleware[C]) *Builder[S, C] {
	b.middleware = append(b.middleware, mw...)
	return b
}

// OnEnter registers Activities to run when the machine enters state.
// Multiple calls for the same state are appended in order.
func (b *Builder[S, C]) OnEnter(state S, activities ...Activity[C]) *Builder[S, C] {
	b.hooks = append(b.hooks, hookDef[S, C]{state: state, activities: activities, entry: true})
	return b
}

// OnExit registers Activities to run when the machine leaves state.
func (b *Builder[S, C]) OnExit(state S, activities ...Activity[C]) *Builder[S, C] {
	b.hooks = append(b.hooks, hookDef[S, C]{state: state, activities: activities})
	return b
}

// From starts a transition definition for one or more source states.
func (b *Builder[S, C]) From(states ...S) *FromBuilder[S, C] {
	if len(states) == 0 {
		b.buildErrs = append(b.buildErrs, fmt.Errorf("fsm: From() called with no states"))
	}
	return &FromBuilder[S, C]{b: b, states: states}
}

// Build compiles all definitions into an immutable Machine.
// It returns an error if any duplicate or conflicting definitions were registered.
func (b *Builder[S, C]) Build() (*Machine[S, C], error) {
	if len(b.buildErrs) > 0 {
		return nil, b.buildErrs[0]
	}

	logger := b.logger
	if logger == nil {
		logger = NoopLogger{}
	}
	m := &Machine[S, C]{
		name:       b.name,
		routes:     make(map[S]map[Event]*route[S, C]),
		entryHooks: make(map[S][]Activity[C]),
		exitHooks:  make(map[S][]Activity[C]),
		logger:     logger,
	}

	for state, events := range b.routes {
		m.routes[state] = make(map[Event]*route[S, C])
		for ev, def := range events {
			r := &route[S, C]{
				kind:        def.kind,
				guards:      append([]Guard[C](nil), def.guards...),
				dst:         def.dst,
				steps:       make([]step[C], len(def.steps)),
				condCases:   append([]condCase[S, C](nil), def.condCases...),
				elseDst:     def.elseDst,
				hasElse:     def.hasElse,
				switchExpr:  def.switchExpr,
				switchCases: append([]switchCase[S](nil), def.switchCases...),
				defaultDst:  def.defaultDst,
				hasDefault:  def.hasDefault,
			}
			for i, s := range def.steps {
				r.steps[i] = step[C]{
					activity:   b.applyMiddleware(s.activity),
					compensate: b.applyMiddlewareNilable(s.compensate),
				}
			}
			m.routes[state][ev] = r
		}
	}

	for _, hd := range b.hooks {
		for _, a := range hd.activities {
			if hd.entry {
				m.entryHooks[hd.state] = append(m.entryHooks[hd.state], b.applyMiddleware(a))
			} else {
				m.exitHooks[hd.state] = append(m.exitHooks[hd.state], b.applyMiddleware(a))
			}
		}
	}

	return m, nil
}

// MustBuild calls Build and panics on error. Useful for package-level vars.
func (b *Builder[S, C]) MustBuild() *Machine[S, C] {
	m, err := b.Build()
	if err != nil {
		panic("fsm.MustBuild: " + err.Error())
	}
	return m
}

func (b *Builder[S, C]) applyMiddleware(a Activity[C]) Activity[C] {
	return WithMiddleware(a, b.middleware...)
}

func (b *Builder[S, C]) applyMiddlewareNilable(a Activity[C]) Activity[C] {
	if a == nil {
		return nil
	}
	return b.applyMiddleware(a)
}

// ensureRoute returns (or creates) the routeDef for state+event, recording
// a build error if the combination was already defined.
func (b *Builder[S, C]) ensureRoute(state S, ev Event) *routeDef[S, C] {
	if b.routes[state] == nil {
		b.routes[state] = make(map[Event]*routeDef[S, C])
	}
	if _, exists := b.routes[state][ev]; exists {
		b.buildErrs = append(b.buildErrs, fmt.Errorf("fsm: duplicate transition: state=%q event=%q", state, ev))
		return &routeDef[S, C]{}
	}
	def := &routeDef[S, C]{}
	b.routes[state][ev] = def
	return def
}

// ─────────────────────────────────────────────────────────────────────────────
// FromBuilder / OnBuilder
// ─────────────────────────────────────────────────────────────────────────────

// FromBuilder narrows the definition to a set of source states.
type FromBuilder[S ~string, C any] struct {
	b      *Builder[S, C]
	states []S
}

// On specifies the event that triggers the transition.
func (fb *FromBuilder[S, C]) On(ev Event) *OnBuilder[S, C] {
	return &OnBuilder[S, C]{b: fb.b, states: fb.states, event: ev}
}

// OnBuilder has selected source states and an event; add guards, then choose
// a routing strategy.
type OnBuilder[S ~string, C any] struct {
	b      *Builder[S, C]
	states []S
	event  Event
	guards []Guard[C]
}

// Guard adds preconditions evaluated, in order, after the destination has
// been resolved and before any hook or Activity runs.
func (ob *OnBuilder[S, C]) Guard(guards ...Guard[C]) *OnBuilder[S, C] {
	ob.guards = append(ob.guards, guards...)
	return ob
}

func (ob *OnBuilder[S, C]) defs(kind routeKind) []*routeDef[S, C] {
	defs := make([]*routeDef[S, C], 0, len(ob.states))
	for _, s := range ob.states {
		def := ob.b.ensureRoute(s, ob.event)
		def.kind = kind
		def.guards = append(def.guards, ob.guards...)
		defs = append(defs, def)
	}
	return defs
}

// To registers a simple (unconditional) transition to dst.
func (ob *OnBuilder[S, C]) To(dst S) *SimpleRouteBuilder[S, C] {
	defs := ob.defs(routeSimple)
	for _, def := range defs {
		def.dst = dst
	}
	return &SimpleRouteBuilder[S, C]{b: ob.b, defs: defs}
}

// If starts a conditional (if-else) routing chain.
func (ob *OnBuilder[S, C]) If(cond Condition[C], dst S) *IfBuilder[S, C] {
	defs := ob.defs(routeCond)
	for _, def := range defs {
		def.condCases = append(def.condCases, condCase[S, C]{cond: cond, dst: dst})
	}
	return &IfBuilder[S, C]{b: ob.b, defs: defs}
}

// Switch starts a switch-case routing chain.
func (ob *OnBuilder[S, C]) Switch(expr SwitchExpr[C]) *SwitchBuilder[S, C] {
	defs := ob.defs(routeSwitch)
	for _, def := range defs {
		def.switchExpr = expr
	}
	return &SwitchBuilder[S, C]{b: ob.b, defs: defs}
}

// ─────────────────────────────────────────────────────────────────────────────
// SimpleRouteBuilder
// ─────────────────────────────────────────────────────────────────────────────

// SimpleRouteBuilder configures a simple (unconditional) transition.
type SimpleRouteBuilder[S ~string, C any] struct {
	b    *Builder[S, C]
	defs []*routeDef[S, C]
}

// Activity registers Activities executed sequentially during this transition.
func (rb *SimpleRouteBuilder[S, C]) Activity(activities ...Activity[C]) *SimpleRouteBuilder[S, C] {
	for _, a := range activities {
		for _, def := range rb.defs {
			def.steps = append(def.steps, step[C]{activity: a})
		}
	}
	return rb
}

// Saga registers an Activity paired with a compensation Activity.
// If a subsequent step fails, completed compensations run in reverse order.
//
//	.Saga(saveRecord, deleteRecord).
//	.Activity(publishCommitted)
func (rb *SimpleRouteBuilder[S, C]) Saga(activity, compensate Activity[C]) *SimpleRouteBuilder[S, C] {
	for _, def := range rb.defs {
		def.steps = append(def.steps, step[C]{activity: activity, compensate: compensate})
	}
	return rb
}

// From is a shortcut to start a new transition from the same Builder.
func (rb *SimpleRouteBuilder[S, C]) From(states ...S) *FromBuilder[S, C] {
	return rb.b.From(states...)
}

// OnEnter is a shortcut to add a state entry hook.
func (rb *SimpleRouteBuilder[S, C]) OnEnter(state S, activities ...Activity[C]) *Builder[S, C] {
	return rb.b.OnEnter(state, activities...)
}

// OnExit is a shortcut to add a state exit hook.
func (rb *SimpleRouteBuilder[S, C]) OnExit(state S, activities ...Activity[C]) *Builder[S, C] {
	return rb.b.OnExit(state, activities...)
}

// Build compiles and returns the Machine.
func (rb *SimpleRouteBuilder[S, C]) Build() (*Machine[S, C], error) {
	return rb.b.Build()
}

// MustBuild panics on error.
func (rb *SimpleRouteBuilder[S, C]) MustBuild() *Machine[S, C] {
	return rb.b.MustBuild()
}

// ─────────────────────────────────────────────────────────────────────────────
// IfBuilder / BranchBuilder
// ─────────────────────────────────────────────────────────────────────────────

// IfBuilder continues the if-else routing chain.
type IfBuilder[S ~string, C any] struct {
	b    *Builder[S, C]
	defs []*routeDef[S, C]
}

// ElseIf adds another condition branch.
func (ib *IfBuilder[S, C]) ElseIf(cond Condition[C], dst S) *IfBuilder[S, C] {
	for _, def := range ib.defs {
		def.condCases = append(def.condCases, condCase[S, C]{cond: cond, dst: dst})
	}
	return ib
}

// Else sets the fallback destination when no condition matches.
func (ib *IfBuilder[S, C]) Else(dst S) *BranchBuilder[S, C] {
	for _, def := range ib.defs {
		def.elseDst = dst
		def.hasElse = true
	}
	return &BranchBuilder[S, C]{b: ib.b}
}

// From is a shortcut.
func (ib *IfBuilder[S, C]) From(states ...S) *FromBuilder[S, C] {
	return ib.b.From(states...)
}

// Build compiles and returns the Machine (no Else required).
func (ib *IfBuilder[S, C]) Build() (*Machine[S, C], error) {
	return ib.b.Build()
}

// BranchBuilder is returned after Else() or Default() to continue the definition.
type BranchBuilder[S ~string, C any] struct {
	b *Builder[S, C]
}

// From is a shortcut.
func (bb *BranchBuilder[S, C]) From(states ...S) *FromBuilder[S, C] {
	return bb.b.From(states...)
}

// OnEnter is a shortcut.
func (bb *BranchBuilder[S, C]) OnEnter(state S, activities ...Activity[C]) *Builder[S, C] {
	return bb.b.OnEnter(state, activities...)
}

// OnExit is a shortcut.
func (bb *BranchBuilder[S, C]) OnExit(state S, activities ...Activity[C]) *Builder[S, C] {
	return bb.b.OnExit(state, activities...)
}

// Build compiles and returns the Machine.
func (bb *BranchBuilder[S, C]) Build() (*Machine[S, C], error) {
	return bb.b.Build()
}

// MustBuild panics on error.
func (bb *BranchBuilder[S, C]) MustBuild() *Machine[S, C] {
	return bb.b.MustBuild()
}

// ─────────────────────────────────────────────────────────────────────────────
// SwitchBuilder
// ─────────────────────────────────────────────────────────────────────────────

// SwitchBuilder constructs a switch-case routing chain.
type SwitchBuilder[S ~string, C any] struct {
	b    *Builder[S, C]
	defs []*routeDef[S, C]
}

// Case adds a value-to-destination mapping.
func (sb *SwitchBuilder[S, C]) Case(value any, dst S) *SwitchBuilder[S, C] {
	for _, def := range sb.defs {
		def.switchCases = append(def.switchCases, switchCase[S]{value: value, dst: dst})
	}
	return sb
}

// Default sets the fallback destination when no case matches.
func (sb *SwitchBuilder[S, C]) Default(dst S) *BranchBuilder[S, C] {
	for _, def := range sb.defs {
		def.defaultDst = dst
		def.hasDefault = true
	}
	return &BranchBuilder[S, C]{b: sb.b}
}

// From is a shortcut.
func (sb *SwitchBuilder[S, C]) From(states ...S) *FromBuilder[S, C] {
	return sb.b.From(states...)
}

// Build compiles and returns the Machine (no Default required).
func (sb *SwitchBuilder[S, C]) Build() (*Machine[S, C], error) {
	return sb.b.Build()
}
