// Package checkout collects the payment method, delivery option and
// transporter for an agreement and commits the resulting transaction record.
//
//	Payment → [PaymentProcessing] → Delivery → [TransporterSelection] → Confirmation → Committed
//
// PaymentProcessing only runs for methods that need upfront authorization,
// and TransporterSelection is skipped for self pickup. Back never clears a
// selection.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/localmarket/dealflow/clock"
	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

// Step is a checkout step.
type Step string

const (
	Payment              Step = "payment"
	PaymentProcessing    Step = "payment_processing"
	Delivery             Step = "delivery"
	TransporterSelection Step = "transporter_selection"
	Confirmation         Step = "confirmation"
	Committed            Step = "committed"
)

const (
	evNext       fsm.Event = "next"
	evBack       fsm.Event = "back"
	evAuthorized fsm.Event = "authorized"
	evDeclined   fsm.Event = "declined"
	evConfirm    fsm.Event = "confirm"
)

var (
	// ErrCommitted is returned by every mutating call after Confirm succeeded.
	ErrCommitted = errors.New("checkout: already committed")
	// ErrCancelled is returned by every call after Cancel.
	ErrCancelled = errors.New("checkout: cancelled")
)

// Event is something the selector reports to its owner.
type Event interface{ checkoutEvent() }

// EventStep reports a step change.
type EventStep struct{ From, To Step }

// EventAuthorized reports a successful payment authorization.
type EventAuthorized struct{ Authorization Authorization }

// EventPaymentFailed reports a payment processing failure. The selector is
// back at Payment.
type EventPaymentFailed struct{ Err error }

// EventCommitted carries the committed record.
type EventCommitted struct{ Record *market.TransactionRecord }

func (EventStep) checkoutEvent()          {}
func (EventAuthorized) checkoutEvent()    {}
func (EventPaymentFailed) checkoutEvent() {}
func (EventCommitted) checkoutEvent()     {}

// RecordSaver persists committed records.
type RecordSaver interface {
	Save(ctx context.Context, rec *market.TransactionRecord) error
	Delete(ctx context.Context, id string) error
}

const DefaultProcessingDelay = 2 * time.Second

// DefaultRetry retries an unavailable processor twice.
var DefaultRetry = fsm.RetryPolicy{
	MaxAttempts:        3,
	InitialInterval:    200 * time.Millisecond,
	BackoffCoefficient: 2,
	MaxInterval:        time.Second,
}

// SelectorConfig wires a Selector.
type SelectorConfig struct {
	// Context bounds background payment processing. Cancel cancels a
	// context derived from it. Defaults to context.Background.
	Context         context.Context
	Agreement       *market.Agreement
	Catalog         market.Catalog
	Clock           clock.Clock
	Processor       Processor
	ProcessingDelay time.Duration
	// Retry schedules further authorization attempts on Clock while the
	// selector stays at PaymentProcessing.
	Retry fsm.RetryPolicy
	// ProcessingTimeout bounds a single authorization attempt. Zero means
	// no bound.
	ProcessingTimeout time.Duration
	// Store is optional; when set the record is saved before it is
	// reported as committed.
	Store       RecordSaver
	Logger      *zap.Logger
	Transitions fsm.Logger
	Middleware  []fsm.Middleware[*Selector]
	// OnEvent is called synchronously with the selector lock held. It must
	// not call back into the Selector.
	OnEvent func(Event)
}

// Selection is a snapshot of what the buyer has chosen so far.
type Selection struct {
	Payment      *market.PaymentSelection
	Delivery     *market.DeliverySelection
	Address      string
	Instructions string
	Authorized   bool
}

// Quote is the running total breakdown.
type Quote struct {
	AgreedPrice    money.Cents `json:"agreedPrice"`
	PaymentFee     money.Cents `json:"paymentFee"`
	DeliveryPrice  money.Cents `json:"deliveryPrice"`
	TransporterFee money.Cents `json:"transporterFee"`
	Total          money.Cents `json:"total"`
}

// Selector drives one checkout. It is safe for concurrent use.
type Selector struct {
	mu sync.Mutex

	agreement *market.Agreement
	catalog   market.Catalog
	clock     clock.Clock
	processor Processor
	delay     time.Duration
	retry     fsm.RetryPolicy
	authorize fsm.Activity[*Selector]
	store     RecordSaver
	logger    *zap.Logger
	onEvent   func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	exec   *fsm.Execution[Step, *Selector]

	payment      *market.PaymentSelection
	delivery     *market.DeliverySelection
	transporter  *market.TransporterSelection
	address      string
	instructions string
	auth         *Authorization
	lastErr      error

	timer     clock.Timer
	gen       uint64
	attempt   int
	draft     *market.TransactionRecord
	record    *market.TransactionRecord
	cancelled bool
}

// NewSelector returns a selector at the Payment step.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Agreement == nil {
		return nil, market.Violation("checkout.new", "no agreement")
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Processor == nil {
		cfg.Processor = &MockProcessor{}
	}
	if cfg.ProcessingDelay <= 0 {
		cfg.ProcessingDelay = DefaultProcessingDelay
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetry
	}
	cfg.Retry.NonRetryableErrors = append(cfg.Retry.NonRetryableErrors, ErrDeclined)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}

	authorize := fsm.Activity[*Selector](authorizePayment)
	if cfg.ProcessingTimeout > 0 {
		authorize = fsm.Timeout(authorize, cfg.ProcessingTimeout)
	}

	s := &Selector{
		agreement: cfg.Agreement,
		catalog:   cfg.Catalog,
		clock:     cfg.Clock,
		processor: cfg.Processor,
		delay:     cfg.ProcessingDelay,
		retry:     cfg.Retry,
		authorize: fsm.WithMiddleware(authorize, cfg.Middleware...),
		store:     cfg.Store,
		logger:    cfg.Logger.With(zap.String("agreement", cfg.Agreement.ID)),
		onEvent:   cfg.OnEvent,
	}
	s.ctx, s.cancel = context.WithCancel(cfg.Context)

	m, err := newMachine(cfg.Transitions, cfg.Middleware...)
	if err != nil {
		return nil, err
	}
	s.exec = m.NewExecution(s.ctx, Payment,
		fsm.WithNow[Step, *Selector](cfg.Clock.Now),
		fsm.WithHooks(fsm.ExecutionHooks[Step, *Selector]{
			OnTransition: func(_ context.Context, from, to Step, _ fsm.Event, s *Selector) {
				s.onEvent(EventStep{From: from, To: to})
			},
		}))
	return s, nil
}

func newMachine(l fsm.Logger, mw ...fsm.Middleware[*Selector]) (*fsm.Machine[Step, *Selector], error) {
	return fsm.Define[Step, *Selector]().
		Named("checkout").
		WithLogger(l).
		WithMiddleware(mw...).
		From(Payment).On(evNext).
		Guard(paymentChosen).
		If(needsProcessing, PaymentProcessing).
		Else(Delivery).
		From(PaymentProcessing).On(evAuthorized).To(Delivery).
		From(PaymentProcessing).On(evDeclined).To(Payment).
		From(PaymentProcessing, Delivery).On(evBack).To(Payment).
		From(Delivery).On(evNext).
		Guard(deliveryChosen, addressGiven).
		Switch(deliveryKind).
		Case(market.DeliveryPickup, Confirmation).
		Default(TransporterSelection).
		From(TransporterSelection).On(evNext).
		Guard(transporterChosen).
		To(Confirmation).
		From(TransporterSelection).On(evBack).To(Delivery).
		From(Confirmation).On(evBack).
		Switch(deliveryKind).
		Case(market.DeliveryPickup, Delivery).
		Default(TransporterSelection).
		From(Confirmation).On(evConfirm).
		Guard(paymentChosen, deliveryChosen, addressGiven, transporterIfNeeded, paymentAuthorized).
		To(Committed).
		Activity(draftRecord, holdTotal).
		Saga(saveRecord, deleteRecord).
		Activity(capturePayment).
		OnEnter(PaymentProcessing, scheduleProcessing).
		OnExit(PaymentProcessing, cancelProcessing).
		OnEnter(Committed, commit).
		Build()
}

// ── Routing & guards ────────────────────────────────────────────────────────

func needsProcessing(_ context.Context, s *Selector) bool {
	return s.payment != nil && s.payment.RequiresProcessing && !s.authorizedFor(s.payment.MethodID)
}

func (s *Selector) authorizedFor(method string) bool {
	return s.auth != nil && s.auth.MethodID == method
}

func deliveryKind(_ context.Context, s *Selector) any {
	if s.delivery == nil {
		return market.DeliveryKind("")
	}
	return s.delivery.Kind
}

func paymentChosen(_ context.Context, s *Selector) error {
	if s.payment == nil {
		return market.Invalid("payment", "choose a payment method")
	}
	return nil
}

func deliveryChosen(_ context.Context, s *Selector) error {
	if s.delivery == nil {
		return market.Invalid("delivery", "choose a delivery option")
	}
	return nil
}

func addressGiven(_ context.Context, s *Selector) error {
	if s.delivery.Kind.RequiresAddress() && strings.TrimSpace(s.address) == "" {
		return market.Invalid("address", "required for "+string(s.delivery.Kind)+" delivery")
	}
	return nil
}

func transporterChosen(_ context.Context, s *Selector) error {
	if s.transporter == nil {
		return market.Invalid("transporter", "choose a transporter")
	}
	return nil
}

func transporterIfNeeded(ctx context.Context, s *Selector) error {
	if !s.delivery.Kind.RequiresTransporter() {
		return nil
	}
	return transporterChosen(ctx, s)
}

func paymentAuthorized(_ context.Context, s *Selector) error {
	if s.payment.RequiresProcessing && !s.authorizedFor(s.payment.MethodID) {
		return market.Violation("checkout.confirm", "payment not authorized")
	}
	return nil
}

// ── Payment processing ──────────────────────────────────────────────────────

func scheduleProcessing(_ context.Context, s *Selector) error {
	s.attempt = 0
	s.arm(s.delay)
	return nil
}

func cancelProcessing(_ context.Context, s *Selector) error {
	s.stopTimer()
	return nil
}

// arm schedules the next authorization attempt. It must be called with
// s.mu held; the attempt itself takes the lock again when it fires.
func (s *Selector) arm(d time.Duration) {
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.process(gen) })
}

// stopTimer must be called with s.mu held.
func (s *Selector) stopTimer() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func authorizePayment(ctx context.Context, s *Selector) error {
	auth, err := s.processor.Authorize(ctx, PaymentRequest{
		Reference: s.agreement.ID,
		MethodID:  s.payment.MethodID,
		Amount:    s.agreement.AgreedPrice + s.payment.Fee,
	})
	if err != nil {
		return err
	}
	s.auth = &auth
	return nil
}

func (s *Selector) process(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.cancelled || s.exec.Current() != PaymentProcessing {
		s.logger.Debug("stale payment processing ignored")
		return
	}
	s.timer = nil
	s.attempt++

	err := s.authorize(s.ctx, s)
	if err == nil {
		s.lastErr = nil
		if err := s.exec.Fire(s.ctx, evAuthorized, s); err != nil {
			s.logger.Error("advance after authorization failed", zap.Error(err))
			return
		}
		s.onEvent(EventAuthorized{Authorization: *s.auth})
		return
	}
	if s.ctx.Err() != nil {
		s.logger.Debug("payment processing abandoned", zap.Error(err))
		return
	}

	wait, err := s.retry.Next(s.attempt, err)
	if err == nil {
		s.logger.Debug("payment authorization retry",
			zap.Int("attempt", s.attempt), zap.Duration("wait", wait))
		s.arm(wait)
		return
	}
	s.lastErr = err
	s.logger.Warn("payment processing failed",
		zap.String("method", s.payment.MethodID), zap.Int("attempts", s.attempt), zap.Error(err))
	if ferr := s.exec.Fire(s.ctx, evDeclined, s); ferr != nil {
		s.logger.Error("return to payment failed", zap.Error(ferr))
	}
	s.onEvent(EventPaymentFailed{Err: err})
}

// ── Commit saga ─────────────────────────────────────────────────────────────

func draftRecord(_ context.Context, s *Selector) error {
	d := *s.delivery
	if s.transporter != nil {
		t := *s.transporter
		d.Transporter = &t
	}
	rec, err := market.NewTransactionRecord(s.agreement, *s.payment, d, s.address, s.instructions, s.clock.Now())
	if err != nil {
		return err
	}
	s.draft = rec
	return nil
}

// holdTotal tops the authorization up to the record total before it is
// captured. PaymentProcessing only knows the agreed price and the payment
// fee; delivery costs come later.
func holdTotal(ctx context.Context, s *Selector) error {
	if !s.payment.RequiresProcessing || s.auth.Amount >= s.draft.Total {
		return nil
	}
	auth, err := s.processor.Authorize(ctx, PaymentRequest{
		Reference: s.agreement.ID,
		MethodID:  s.payment.MethodID,
		Amount:    s.draft.Total,
	})
	if err != nil {
		return fmt.Errorf("checkout: hold %s: %w", s.draft.Total, err)
	}
	s.auth = &auth
	return nil
}

func saveRecord(ctx context.Context, s *Selector) error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(ctx, s.draft)
}

func deleteRecord(ctx context.Context, s *Selector) error {
	if s.store == nil || s.draft == nil {
		return nil
	}
	return s.store.Delete(ctx, s.draft.ID)
}

func capturePayment(ctx context.Context, s *Selector) error {
	if !s.payment.RequiresProcessing {
		return nil
	}
	return s.processor.Capture(ctx, *s.auth, s.draft.Total)
}

func commit(_ context.Context, s *Selector) error {
	s.record = s.draft
	s.draft = nil
	s.logger.Info("checkout committed",
		zap.String("record", s.record.ID),
		zap.Stringer("total", s.record.Total))
	s.onEvent(EventCommitted{Record: s.record})
	return nil
}

// ── Operations ──────────────────────────────────────────────────────────────

// check must be called with s.mu held.
func (s *Selector) check(op string, allowed ...Step) error {
	if s.cancelled {
		return ErrCancelled
	}
	cur := s.exec.Current()
	if cur == Committed {
		return ErrCommitted
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == cur {
			return nil
		}
	}
	return &market.InvariantViolation{Op: op, From: string(cur), Reason: "not allowed at this step"}
}

// ChoosePayment selects a payment method from the catalog.
func (s *Selector) ChoosePayment(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.payment", Payment); err != nil {
		return err
	}
	m, ok := s.catalog.PaymentMethod(id)
	if !ok {
		return market.Invalid("payment", "unknown payment method "+id)
	}
	sel := market.SelectPayment(m)
	s.payment = &sel
	s.lastErr = nil
	return nil
}

// ChooseDelivery selects a delivery option from the catalog.
func (s *Selector) ChooseDelivery(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.delivery", Delivery); err != nil {
		return err
	}
	o, ok := s.catalog.DeliveryOption(id)
	if !ok {
		return market.Invalid("delivery", "unknown delivery option "+id)
	}
	sel := market.SelectDelivery(o)
	s.delivery = &sel
	return nil
}

// SetAddress records the delivery address.
func (s *Selector) SetAddress(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.address", Delivery); err != nil {
		return err
	}
	s.address = strings.TrimSpace(address)
	return nil
}

// SetInstructions records free-form delivery instructions.
func (s *Selector) SetInstructions(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.instructions", Delivery, TransporterSelection, Confirmation); err != nil {
		return err
	}
	s.instructions = strings.TrimSpace(text)
	return nil
}

// ChooseTransporter selects a courier from the catalog.
func (s *Selector) ChooseTransporter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.transporter", TransporterSelection); err != nil {
		return err
	}
	t, ok := s.catalog.Transporter(id)
	if !ok {
		return market.Invalid("transporter", "unknown transporter "+id)
	}
	sel := market.SelectTransporter(t)
	s.transporter = &sel
	return nil
}

// Next moves forward one step. A missing selection fails with a
// *market.ValidationError and leaves the step unchanged.
func (s *Selector) Next(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.next", Payment, Delivery, TransporterSelection); err != nil {
		return err
	}
	return s.exec.Fire(ctx, evNext, s)
}

// CanNext reports the error Next would return now, without moving.
func (s *Selector) CanNext(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.next", Payment, Delivery, TransporterSelection); err != nil {
		return err
	}
	return s.exec.Can(ctx, evNext, s)
}

// Back moves one step back. Back from PaymentProcessing cancels it.
func (s *Selector) Back(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.back", PaymentProcessing, Delivery, TransporterSelection, Confirmation); err != nil {
		return err
	}
	return s.exec.Fire(ctx, evBack, s)
}

// Confirm commits the transaction record.
func (s *Selector) Confirm(ctx context.Context) (*market.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("checkout.confirm", Confirmation); err != nil {
		return nil, err
	}
	if err := s.exec.Fire(ctx, evConfirm, s); err != nil {
		s.draft = nil
		s.lastErr = err
		s.logger.Warn("checkout confirmation failed", zap.Error(err))
		return nil, err
	}
	return s.record, nil
}

// Suspend cancels in-flight payment processing, returning to Payment, and
// keeps every selection. The selector stays usable.
func (s *Selector) Suspend(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.exec.Current() != PaymentProcessing {
		return nil
	}
	return s.exec.Fire(ctx, evBack, s)
}

// Cancel tears the selector down. It is idempotent. An authorization in
// flight sees its context cancelled before Cancel waits for the lock.
func (s *Selector) Cancel() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.stopTimer()
	s.exec.Cancel()
}

// Step returns the current step.
func (s *Selector) Step() Step { return s.exec.Current() }

// Record returns the committed record.
func (s *Selector) Record() (*market.TransactionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record, s.record != nil
}

// LastError returns the last processing or confirmation failure.
func (s *Selector) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Selection returns a copy of the current selections.
func (s *Selector) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Selection{Address: s.address, Instructions: s.instructions}
	if s.payment != nil {
		p := *s.payment
		out.Payment = &p
		out.Authorized = s.authorizedFor(p.MethodID)
	}
	if d := s.delivery; d != nil {
		cp := *d
		if s.transporter != nil {
			t := *s.transporter
			cp.Transporter = &t
		}
		out.Delivery = &cp
	}
	return out
}

// Quote returns the running total for the current selections.
func (s *Selector) Quote() Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := Quote{AgreedPrice: s.agreement.AgreedPrice}
	var p market.PaymentSelection
	if s.payment != nil {
		p = *s.payment
		q.PaymentFee = p.Fee
	}
	var d market.DeliverySelection
	if s.delivery != nil {
		d = *s.delivery
		d.Transporter = s.transporter
		q.DeliveryPrice = d.Price
		q.TransporterFee = d.TransporterFee()
	}
	q.Total = market.Total(q.AgreedPrice, p, d)
	return q
}

// Diagram renders the checkout graph as a Mermaid state diagram.
func Diagram() string {
	m, err := newMachine(fsm.NoopLogger{})
	if err != nil {
		return ""
	}
	return m.Visualize()
}
