// Package flow is the transaction orchestrator. It sequences vendor
// comparison, negotiation, checkout and delivery tracking for one item.
//
// The state lives in an immutable Snapshot advanced by the pure Reduce
// function. Flow is the runtime around it: it turns user operations and
// sub-workflow reports into actions, performs the effects Reduce asks for,
// and reports agreements, committed records and the final close to the host.
//
// All user operations and every timer callback are serialised on one mutex,
// so the flow behaves as a single logical thread.
package flow

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/localmarket/dealflow/checkout"
	"github.com/localmarket/dealflow/clock"
	"github.com/localmarket/dealflow/compare"
	"github.com/localmarket/dealflow/config"
	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/negotiation"
	"github.com/localmarket/dealflow/store"
	"github.com/localmarket/dealflow/tracking"
)

// Config wires a Flow. Only Item is required.
type Config struct {
	Item market.Item
	// Offers, when set, are shown instead of asking OfferSource.
	Offers      []market.VendorOffer
	OfferSource compare.OfferSource
	// Settings defaults to config.Default().
	Settings *config.Config
	// Catalog defaults to the catalog in Settings.
	Catalog   *market.Catalog
	Clock     clock.Clock
	Store     store.RecordStore
	Responder negotiation.Responder
	Processor checkout.Processor
	// Rand drives the tracker's location noise.
	Rand        *rand.Rand
	Logger      *zap.Logger
	Transitions fsm.Logger
	// Tracer, when set, wraps every workflow activity in a span.
	Tracer trace.Tracer

	OnAgreement func(*market.Agreement)
	OnComplete  func(*market.TransactionRecord)
	OnClose     func(CloseReason)
}

// Flow runs one transaction workflow. It is safe for concurrent use.
type Flow struct {
	mu sync.Mutex

	item        market.Item
	offers      []market.VendorOffer
	source      compare.OfferSource
	settings    config.Config
	catalog     market.Catalog
	clock       clock.Clock
	store       store.RecordStore
	responder   negotiation.Responder
	processor   checkout.Processor
	rng         *rand.Rand
	base        *zap.Logger
	logger      *zap.Logger
	transitions fsm.Logger
	tracer      trace.Tracer
	onAgreement func(*market.Agreement)
	onComplete  func(*market.TransactionRecord)
	onClose     func(CloseReason)

	// ctx lives from Open to close; background work of the sub-workflows
	// derives from it.
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	open   bool
	snap   Snapshot

	session     *negotiation.Session
	checkout    *checkout.Selector
	checkoutFor string
	tracker     *tracking.Tracker

	queue  []Action
	outbox []func()
}

// New returns a closed flow for cfg.Item. Call Open to start it.
func New(cfg Config) (*Flow, error) {
	if cfg.Item.ID == "" {
		return nil, market.Invalid("item", "missing id")
	}
	if cfg.Item.Price < 0 {
		return nil, market.Invalid("item.price", "must not be negative")
	}
	settings := config.Default()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}
	catalog := settings.Catalog()
	if cfg.Catalog != nil {
		catalog = *cfg.Catalog
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.OfferSource == nil {
		cfg.OfferSource = compare.NewMockSource(uint64(cfg.Clock.Now().UnixNano()))
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Responder == nil {
		cfg.Responder = negotiation.HaggleResponder{
			FloorRatio:      settings.Negotiation.FloorRatio,
			OpeningDiscount: settings.Negotiation.OpeningDiscount,
		}
	}
	if cfg.Processor == nil {
		cfg.Processor = &checkout.MockProcessor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transitions == nil {
		cfg.Transitions = fsm.NoopLogger{}
	}

	f := &Flow{
		item:        cfg.Item,
		offers:      append([]market.VendorOffer(nil), cfg.Offers...),
		source:      cfg.OfferSource,
		settings:    settings,
		catalog:     catalog,
		store:       cfg.Store,
		responder:   cfg.Responder,
		processor:   cfg.Processor,
		rng:         cfg.Rand,
		base:        cfg.Logger,
		logger:      cfg.Logger,
		transitions: cfg.Transitions,
		tracer:      cfg.Tracer,
		onAgreement: cfg.OnAgreement,
		onComplete:  cfg.OnComplete,
		onClose:     cfg.OnClose,
		ctx:         context.Background(),
		cancel:      func() {},
	}
	f.clock = serialClock{inner: cfg.Clock, f: f}
	return f, nil
}

// unlock releases f.mu and then delivers queued host notifications.
func (f *Flow) unlock() {
	out := f.outbox
	f.outbox = nil
	f.mu.Unlock()
	for _, fn := range out {
		fn()
	}
}

// ready must be called with f.mu held.
func (f *Flow) ready() error {
	if !f.open {
		return ErrClosed
	}
	return nil
}

// Open loads the offers and starts the flow at Comparison. Open on an
// open flow is a no-op; after Close it starts a fresh flow.
func (f *Flow) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.unlock()
	if f.open {
		return nil
	}

	offers := f.offers
	if len(offers) == 0 {
		var err error
		if offers, err = f.source.Offers(ctx, f.item); err != nil {
			return fmt.Errorf("flow: load offers: %w", err)
		}
	}

	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.id = uuid.NewString()
	f.logger = f.base.With(zap.String("flow", f.id))
	f.snap = NewSnapshot(f.item, offers, f.settings.Tracking.Resume)
	f.queue = nil
	f.open = true
	f.logger.Info("flow opened", zap.String("item", f.item.ID), zap.Int("offers", len(offers)))
	return nil
}

// Close tears down every sub-workflow and reports the close to the host.
// It is idempotent.
func (f *Flow) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.unlock()
	if !f.open {
		return nil
	}
	return f.dispatch(ctx, Close{})
}

// IsOpen reports whether the flow is running.
func (f *Flow) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// ID returns the id of the current (or last) flow instance.
func (f *Flow) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

// Snapshot returns the current state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Step
}

// dispatch reduces a, performs its effects and then drains every action
// the sub-workflows queued meanwhile. It must be called with f.mu held.
func (f *Flow) dispatch(ctx context.Context, a Action) error {
	err := f.reduce(ctx, a)
	f.drain(ctx)
	return err
}

func (f *Flow) drain(ctx context.Context) {
	for len(f.queue) > 0 {
		a := f.queue[0]
		f.queue = f.queue[1:]
		_ = f.reduce(ctx, a)
	}
}

func (f *Flow) enqueue(a Action) { f.queue = append(f.queue, a) }

func (f *Flow) reduce(ctx context.Context, a Action) error {
	from := f.snap.Step
	next, effects, err := Reduce(f.snap, a)
	if err != nil {
		f.logger.Debug("flow action rejected",
			zap.String("action", actionName(a)),
			zap.String("step", string(from)),
			zap.Error(err))
		return err
	}
	f.snap = next
	if next.Step != from {
		f.transitions.LogTransition(fsm.Transition{
			Machine: "flow",
			From:    string(from),
			Event:   actionName(a),
			To:      string(next.Step),
		})
		f.logger.Info("flow step changed", zap.String("from", string(from)), zap.String("to", string(next.Step)))
	}
	for _, e := range effects {
		f.apply(ctx, e)
	}
	return nil
}

// notify queues a host callback for delivery once f.mu is released.
func (f *Flow) notify(fn func()) { f.outbox = append(f.outbox, fn) }

// serialClock runs every callback under the flow lock and drains the
// action queue afterwards.
type serialClock struct {
	inner clock.Clock
	f     *Flow
}

func (c serialClock) Now() time.Time { return c.inner.Now() }

func (c serialClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return c.inner.AfterFunc(d, func() { c.f.callback(fn) })
}

func (f *Flow) callback(fn func()) {
	f.mu.Lock()
	defer f.unlock()
	fn()
	f.drain(f.ctx)
}
