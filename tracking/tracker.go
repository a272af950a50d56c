// Package tracking simulates delivery progress for a committed transaction.
//
// A periodic tick advances the delivery exactly one stage, from Preparing to
// Delivered, attaching a sampled courier location and a stage message. The
// same tick decays the ETA and remaining distance, both floored at zero. The
// tick stops at Delivered, and a tick arriving after Stop is ignored.
package tracking

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localmarket/dealflow/clock"
	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
)

const evAdvance fsm.Event = "advance"

// Defaults applied by NewTracker.
const (
	DefaultInterval       = 3 * time.Second
	DefaultETAStep        = 5
	DefaultDistanceStep   = 800
	DefaultPickupETA      = 20
	DefaultPickupDistance = 0
)

// ErrNoRecord is returned by NewTracker without a transaction record.
var ErrNoRecord = errors.New("tracking: no transaction record")

// Event is something the tracker reports to its owner.
type Event interface{ trackingEvent() }

// EventStatus reports a new delivery status.
type EventStatus struct{ Status market.DeliveryStatus }

// EventDelivered reports that the delivery reached Delivered.
type EventDelivered struct{ Status market.DeliveryStatus }

func (EventStatus) trackingEvent()    {}
func (EventDelivered) trackingEvent() {}

// Route is the straight line the courier is sampled along.
type Route struct {
	From market.Location `yaml:"from"`
	To   market.Location `yaml:"to"`
}

// DefaultRoute runs across central Accra.
var DefaultRoute = Route{
	From: market.Location{Lat: 5.5560, Lng: -0.1969, Label: "vendor"},
	To:   market.Location{Lat: 5.6037, Lng: -0.1870, Label: "buyer"},
}

var stageMessages = map[market.Stage]string{
	market.Preparing: "The vendor is preparing your order.",
	market.PickedUp:  "Your order has been picked up.",
	market.InTransit: "Your order is on the way.",
	market.Nearby:    "The courier is nearby.",
	market.Arrived:   "The courier has arrived.",
	market.Delivered: "Your order has been delivered.",
}

// TrackerConfig wires a Tracker.
type TrackerConfig struct {
	Record   *market.TransactionRecord
	Clock    clock.Clock
	Interval time.Duration
	// ETAStep is subtracted from the ETA (minutes) on every tick.
	ETAStep int
	// DistanceStep is subtracted from the distance (metres) on every tick.
	DistanceStep int
	// PickupETA and PickupDistance seed deliveries without a transporter.
	PickupETA      int
	PickupDistance int
	Route          *Route
	// Jitter is the maximum location noise in degrees.
	Jitter      float64
	Rand        *rand.Rand
	Logger      *zap.Logger
	Transitions fsm.Logger
	Middleware  []fsm.Middleware[*Tracker]
	// OnEvent is called synchronously with the tracker lock held. It must
	// not call back into the Tracker.
	OnEvent func(Event)
}

// Tracker runs the delivery simulation for one record.
type Tracker struct {
	mu sync.Mutex

	record       *market.TransactionRecord
	clock        clock.Clock
	interval     time.Duration
	etaStep      int
	distanceStep int
	initialETA   int
	initialDist  int
	route        Route
	jitter       float64
	rng          *rand.Rand
	logger       *zap.Logger
	onEvent      func(Event)
	machine      *fsm.Machine[market.Stage, *Tracker]

	exec     *fsm.Execution[market.Stage, *Tracker]
	timer    clock.Timer
	gen      uint64
	running  bool
	eta      int
	distance int
	history  []market.DeliveryStatus
}

// NewTracker returns a stopped tracker. Call Start to begin.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Record == nil {
		return nil, ErrNoRecord
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ETAStep <= 0 {
		cfg.ETAStep = DefaultETAStep
	}
	if cfg.DistanceStep <= 0 {
		cfg.DistanceStep = DefaultDistanceStep
	}
	if cfg.PickupETA <= 0 {
		cfg.PickupETA = DefaultPickupETA
	}
	if cfg.PickupDistance < 0 {
		cfg.PickupDistance = DefaultPickupDistance
	}
	if cfg.Route == nil {
		cfg.Route = &DefaultRoute
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.0015
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(cfg.Clock.Now().UnixNano()), 0x5eed))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}

	t := &Tracker{
		record:       cfg.Record,
		clock:        cfg.Clock,
		interval:     cfg.Interval,
		etaStep:      cfg.ETAStep,
		distanceStep: cfg.DistanceStep,
		initialETA:   cfg.PickupETA,
		initialDist:  cfg.PickupDistance,
		route:        *cfg.Route,
		jitter:       cfg.Jitter,
		rng:          cfg.Rand,
		logger:       cfg.Logger.With(zap.String("record", cfg.Record.ID)),
		onEvent:      cfg.OnEvent,
	}
	if tr := cfg.Record.Delivery.Transporter; tr != nil {
		t.initialETA = tr.ETAMinutes
		t.initialDist = int(math.Round(tr.DistanceKm * 1000))
	}

	m, err := newMachine(cfg.Transitions, cfg.Middleware...)
	if err != nil {
		return nil, err
	}
	t.machine = m
	return t, nil
}

func newMachine(l fsm.Logger, mw ...fsm.Middleware[*Tracker]) (*fsm.Machine[market.Stage, *Tracker], error) {
	b := fsm.Define[market.Stage, *Tracker]().
		Named("tracking").
		WithLogger(l).
		WithMiddleware(mw...)
	for i := 0; i < len(market.Stages)-1; i++ {
		to := market.Stages[i+1]
		b.From(market.Stages[i]).On(evAdvance).To(to).Activity(decay)
		b.OnEnter(to, observe(to))
	}
	b.OnEnter(market.Delivered, finish)
	return b.Build()
}

func decay(_ context.Context, t *Tracker) error {
	t.eta = max(0, t.eta-t.etaStep)
	t.distance = max(0, t.distance-t.distanceStep)
	return nil
}

func observe(stage market.Stage) fsm.Activity[*Tracker] {
	return func(_ context.Context, t *Tracker) error {
		t.push(stage)
		return nil
	}
}

func finish(_ context.Context, t *Tracker) error {
	t.halt()
	last := t.history[len(t.history)-1]
	t.logger.Info("delivery completed", zap.Time("at", last.At))
	t.onEvent(EventDelivered{Status: last})
	return nil
}

// push appends a status for stage. It must be called with t.mu held.
func (t *Tracker) push(stage market.Stage) {
	st := market.DeliveryStatus{
		Stage:      stage,
		At:         t.clock.Now(),
		Location:   t.sample(stage),
		Message:    stageMessages[stage],
		ETAMinutes: t.eta,
		DistanceKm: float64(t.distance) / 1000,
	}
	t.history = append(t.history, st)
	t.onEvent(EventStatus{Status: st})
}

// sample places the courier along the route in proportion to the stage,
// with a little noise. Delivered is pinned to the destination.
func (t *Tracker) sample(stage market.Stage) market.Location {
	r := t.route
	if stage.Terminal() {
		return market.Location{Lat: r.To.Lat, Lng: r.To.Lng, Label: r.To.Label}
	}
	f := float64(stage.Ordinal()) / float64(len(market.Stages)-1)
	noise := func() float64 { return (t.rng.Float64()*2 - 1) * t.jitter }
	return market.Location{
		Lat: r.From.Lat + (r.To.Lat-r.From.Lat)*f + noise(),
		Lng: r.From.Lng + (r.To.Lng-r.From.Lng)*f + noise(),
	}
}

// Start begins tracking. With a nil checkpoint it starts at Preparing;
// otherwise it resumes from the checkpoint's stage, ETA and distance.
// Start on a running tracker is a no-op.
func (t *Tracker) Start(from *market.DeliveryStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	t.exec = t.machine.NewExecution(context.Background(), market.Preparing,
		fsm.WithNow[market.Stage, *Tracker](t.clock.Now))
	t.history = nil

	if from != nil {
		if from.Stage.Ordinal() < 0 {
			return market.Invalid("stage", "unknown delivery stage "+string(from.Stage))
		}
		t.exec.Restore(from.Stage)
		t.eta = max(0, from.ETAMinutes)
		t.distance = max(0, int(math.Round(from.DistanceKm*1000)))
		t.history = append(t.history, *from)
		t.logger.Info("delivery tracking resumed", zap.String("stage", string(from.Stage)))
		if from.Stage.Terminal() {
			return nil
		}
	} else {
		t.eta = t.initialETA
		t.distance = t.initialDist
		t.push(market.Preparing)
		t.logger.Info("delivery tracking started")
	}

	t.gen++
	gen := t.gen
	t.running = true
	t.timer = clock.Every(t.clock, t.interval, func() { t.tick(gen) })
	return nil
}

func (t *Tracker) tick(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || gen != t.gen {
		t.logger.Debug("stale delivery tick ignored")
		return
	}
	if err := t.exec.Fire(context.Background(), evAdvance, t); err != nil {
		t.logger.Warn("delivery tick rejected", zap.Error(err))
		t.halt()
	}
}

// halt must be called with t.mu held.
func (t *Tracker) halt() {
	t.gen++
	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Stop cancels the pending tick. It is idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.halt()
	t.exec.Cancel()
	t.logger.Info("delivery tracking stopped")
}

// Running reports whether ticks are scheduled.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Status returns the latest status. ok is false before the first Start.
func (t *Tracker) Status() (market.DeliveryStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) == 0 {
		return market.DeliveryStatus{}, false
	}
	return t.history[len(t.history)-1], true
}

// History returns every status observed since the last Start.
func (t *Tracker) History() []market.DeliveryStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]market.DeliveryStatus(nil), t.history...)
}

// Record returns the tracked transaction record.
func (t *Tracker) Record() *market.TransactionRecord { return t.record }
