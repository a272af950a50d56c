package flow_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/localmarket/dealflow/checkout"
	"github.com/localmarket/dealflow/clock"
	"github.com/localmarket/dealflow/compare"
	"github.com/localmarket/dealflow/config"
	"github.com/localmarket/dealflow/flow"
	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
	"github.com/localmarket/dealflow/negotiation"
	"github.com/localmarket/dealflow/observability"
	"github.com/localmarket/dealflow/store"
)

const (
	replyDelay   = 2 * time.Second
	processDelay = 2 * time.Second
	retryWait    = 500 * time.Millisecond
	tick         = 3 * time.Second
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	f     *flow.Flow
	clk   *clock.Virtual
	store *store.MemoryStore
	proc  *checkout.MockProcessor

	agreements []*market.Agreement
	records    []*market.TransactionRecord
	closes     []flow.CloseReason
}

type option func(*flow.Config, *config.Config)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	settings := config.Default()
	settings.Negotiation.ReplyDelay = replyDelay
	settings.Payment.ProcessingDelay = processDelay
	settings.Payment.Retry.InitialInterval = retryWait
	settings.Tracking.Interval = tick

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clk:   clock.NewVirtual(now),
		store: store.NewMemoryStore(),
		proc:  &checkout.MockProcessor{},
	}
	cfg := flow.Config{
		Item:        testItem(),
		Offers:      testOffers(),
		Settings:    &settings,
		Clock:       h.clk,
		Store:       h.store,
		Processor:   h.proc,
		Rand:        rand.New(rand.NewPCG(1, 2)),
		OnAgreement: func(a *market.Agreement) { h.agreements = append(h.agreements, a) },
		OnComplete:  func(r *market.TransactionRecord) { h.records = append(h.records, r) },
		OnClose:     func(r flow.CloseReason) { h.closes = append(h.closes, r) },
	}
	for _, opt := range opts {
		opt(&cfg, &settings)
	}
	f, err := flow.New(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Open(h.ctx))
	h.f = f
	return h
}

func (h *harness) status() market.DeliveryStatus {
	h.t.Helper()
	st, ok := h.f.DeliveryStatus()
	require.True(h.t, ok)
	return st
}

func (h *harness) storedStatus(id string) market.RecordStatus {
	h.t.Helper()
	rec, err := h.store.Get(h.ctx, id)
	require.NoError(h.t, err)
	return rec.Status
}

// toTracking buys from v2 at the listed price with cash and self pickup.
func (h *harness) toTracking() *market.TransactionRecord {
	h.t.Helper()
	require.NoError(h.t, h.f.ChooseOffer(h.ctx, "v2"))
	require.Equal(h.t, flow.Payment, h.f.Step())
	require.NoError(h.t, h.f.ChoosePayment(h.ctx, "cod"))
	require.NoError(h.t, h.f.CheckoutNext(h.ctx))
	require.NoError(h.t, h.f.ChooseDelivery(h.ctx, "pickup"))
	require.NoError(h.t, h.f.CheckoutNext(h.ctx))
	rec, err := h.f.ConfirmCheckout(h.ctx)
	require.NoError(h.t, err)
	require.Equal(h.t, flow.Tracking, h.f.Step())
	return rec
}

func TestFlow_EndToEndNegotiatedHomeDelivery(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx

	assert.True(t, f.IsOpen())
	assert.NotEmpty(t, f.ID())
	assert.Equal(t, flow.Comparison, f.Step())
	ranked := f.Compare(compare.SortPrice, compare.Filters{VerifiedOnly: true})
	require.Len(t, ranked, 1)
	assert.Equal(t, "v1", ranked[0].VendorID)

	require.NoError(t, f.Negotiate(ctx, "v1"))
	assert.Equal(t, flow.Negotiation, f.Step())
	state, ok := f.NegotiationState()
	require.True(t, ok)
	assert.Equal(t, negotiation.Idle, state)

	require.NoError(t, f.MakeOffer(ctx, negotiation.OfferTerms{Price: money.MustParse("9.00")}))
	assert.Empty(t, h.agreements)
	h.clk.Advance(replyDelay)

	require.Len(t, h.agreements, 1)
	assert.Equal(t, "9.00", h.agreements[0].AgreedPrice.String())
	assert.Equal(t, market.AgreementVendorAccepted, h.agreements[0].Source)
	assert.Equal(t, flow.Payment, f.Step())
	assert.Len(t, f.Messages(), 2)

	require.NoError(t, f.ChoosePayment(ctx, "card"))
	require.NoError(t, f.CheckoutNext(ctx))
	cs, _ := f.CheckoutStep()
	assert.Equal(t, checkout.PaymentProcessing, cs)
	h.clk.Advance(processDelay)
	cs, _ = f.CheckoutStep()
	assert.Equal(t, checkout.Delivery, cs)

	require.ErrorIs(t, f.CanCheckoutNext(ctx), market.ErrValidation, "no delivery option yet")
	require.NoError(t, f.ChooseDelivery(ctx, "home"))
	require.ErrorIs(t, f.CheckoutNext(ctx), market.ErrValidation)
	require.NoError(t, f.SetAddress(ctx, "12 Market Rd"))
	require.NoError(t, f.CheckoutNext(ctx))
	require.NoError(t, f.ChooseTransporter(ctx, "moto_kofi"))
	require.NoError(t, f.CheckoutNext(ctx))

	q, ok := f.Quote()
	require.True(t, ok)
	assert.Equal(t, "21.00", q.Total.String())

	rec, err := f.ConfirmCheckout(ctx)
	require.NoError(t, err)
	assert.Equal(t, "21.00", rec.Total.String())
	assert.GreaterOrEqual(t, rec.Total, rec.AgreedPrice)
	assert.Equal(t, flow.Tracking, f.Step())
	require.Len(t, h.records, 1)
	assert.Same(t, rec, h.records[0])
	assert.Equal(t, market.StatusConfirmed, h.storedStatus(rec.ID))
	require.Len(t, h.proc.Captured(), 1)
	captured := h.proc.Captured()[0]
	assert.Equal(t, rec.Total, captured.Amount)
	holds := h.proc.Authorized()
	require.NotEmpty(t, holds)
	assert.LessOrEqual(t, captured.Amount, holds[len(holds)-1].Amount)

	assert.True(t, f.TrackerRunning())
	st := h.status()
	assert.Equal(t, market.Preparing, st.Stage)
	assert.Equal(t, 25, st.ETAMinutes)
	assert.InDelta(t, 3.8, st.DistanceKm, 1e-9)

	h.clk.Advance(tick)
	assert.Equal(t, market.PickedUp, h.status().Stage)
	assert.Equal(t, market.StatusInTransit, h.storedStatus(rec.ID))

	h.clk.Advance(4 * tick)
	assert.Equal(t, market.Delivered, h.status().Stage)
	assert.False(t, f.TrackerRunning())
	assert.Equal(t, market.StatusDelivered, h.storedStatus(rec.ID))
	assert.True(t, f.Snapshot().Context.Delivered)
	assert.Zero(t, h.clk.Pending())

	stages := make([]market.Stage, 0, 6)
	for _, s := range f.DeliveryHistory() {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, market.Stages, stages)

	require.NoError(t, f.GoTo(ctx, flow.Completed))
	assert.Equal(t, market.StatusCompleted, h.storedStatus(rec.ID))

	require.NoError(t, f.Close(ctx))
	assert.False(t, f.IsOpen())
	assert.Equal(t, []flow.CloseReason{flow.ReasonCompleted}, h.closes)
	require.NoError(t, f.Close(ctx))
	assert.Len(t, h.closes, 1)
	require.ErrorIs(t, f.GoTo(ctx, flow.Tracking), flow.ErrClosed)
}

func TestFlow_SkipNegotiationAtListedPrice(t *testing.T) {
	h := newHarness(t)
	rec := h.toTracking()

	require.Len(t, h.agreements, 1)
	assert.Equal(t, market.AgreementSkipped, h.agreements[0].Source)
	assert.Equal(t, "11.00", h.agreements[0].AgreedPrice.String())
	assert.Equal(t, "11.00", rec.Total.String())
	assert.Nil(t, rec.Delivery.Transporter)
	assert.Equal(t, config.Default().Tracking.PickupETA, h.status().ETAMinutes)
	assert.Zero(t, h.proc.AuthorizeCalls())
}

func TestFlow_GuardedOperationsLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx
	before := f.Snapshot()

	require.ErrorIs(t, f.GoTo(ctx, flow.Payment), market.ErrInvariant)
	require.ErrorIs(t, f.GoTo(ctx, flow.Tracking), market.ErrInvariant)
	require.ErrorIs(t, f.SendText(ctx, "hello"), market.ErrInvariant)
	require.ErrorIs(t, f.ChoosePayment(ctx, "card"), market.ErrInvariant)
	require.ErrorIs(t, f.ConfirmReceipt(ctx), market.ErrInvariant)
	require.ErrorIs(t, f.Back(ctx), market.ErrInvariant)
	require.ErrorIs(t, f.Negotiate(ctx, "v9"), market.ErrValidation)

	assert.Equal(t, before, f.Snapshot())
	assert.Empty(t, h.agreements)
}

func TestFlow_BackAndForwardKeepsAccumulatedState(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx
	h.toTracking()
	h.clk.Advance(tick)
	before := f.Snapshot()

	require.NoError(t, f.GoTo(ctx, flow.Payment))
	assert.False(t, f.TrackerRunning())
	cs, _ := f.CheckoutStep()
	assert.Equal(t, checkout.Committed, cs)
	require.ErrorIs(t, f.ChoosePayment(ctx, "card"), checkout.ErrCommitted)

	require.NoError(t, f.Back(ctx))
	require.NoError(t, f.Back(ctx))
	assert.Equal(t, flow.Comparison, f.Step())
	assert.Equal(t, before.Context, f.Snapshot().Context)

	h.clk.Advance(10 * tick)
	assert.Equal(t, market.PickedUp, h.status().Stage)

	require.NoError(t, f.GoTo(ctx, flow.Tracking))
	assert.Equal(t, before, f.Snapshot())
	assert.True(t, f.TrackerRunning())
	assert.Equal(t, market.PickedUp, h.status().Stage)
	h.clk.Advance(tick)
	assert.Equal(t, market.InTransit, h.status().Stage)
	assert.Len(t, h.records, 1)
}

func TestFlow_CloseTearsDownNegotiation(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx
	require.NoError(t, f.Negotiate(ctx, "v1"))
	require.NoError(t, f.SendText(ctx, "Is it hand made?"))
	require.Equal(t, 1, h.clk.Pending())

	require.NoError(t, f.Close(ctx))
	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(time.Minute)

	assert.Empty(t, h.agreements)
	assert.Equal(t, []flow.CloseReason{flow.ReasonCancelled}, h.closes)
	assert.Nil(t, f.Messages())
	_, ok := f.NegotiationState()
	assert.False(t, ok)
}

func TestFlow_CloseTearsDownTracking(t *testing.T) {
	h := newHarness(t)
	rec := h.toTracking()
	h.clk.Advance(tick)

	require.NoError(t, h.f.Close(h.ctx))
	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(time.Minute)
	_, ok := h.f.DeliveryStatus()
	assert.False(t, ok)
	assert.Equal(t, market.StatusInTransit, h.storedStatus(rec.ID))
}

func TestFlow_LeavingNegotiationCancelsPendingReply(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx
	require.NoError(t, f.Negotiate(ctx, "v1"))
	require.NoError(t, f.SendText(ctx, "hello"))

	require.NoError(t, f.GoTo(ctx, flow.Comparison))
	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(time.Minute)
	assert.Equal(t, flow.Comparison, f.Step())

	require.NoError(t, f.Negotiate(ctx, "v2"))
	assert.Equal(t, "v2", f.Snapshot().Context.Selected.VendorID)
}

func TestFlow_AbandonReturnsToComparison(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx
	require.NoError(t, f.Negotiate(ctx, "v1"))
	require.NoError(t, f.AbandonNegotiation(ctx))

	assert.Equal(t, flow.Comparison, f.Step())
	assert.Empty(t, h.agreements)
	assert.Equal(t, "v1", f.Snapshot().Context.Selected.VendorID)
	assert.True(t, f.IsOpen())
}

func TestFlow_StaleOfferRejected(t *testing.T) {
	h := newHarness(t, func(_ *flow.Config, s *config.Config) { s.Negotiation.OfferTTL = time.Minute })
	f, ctx := h.f, h.ctx
	require.NoError(t, f.Negotiate(ctx, "v1"))
	require.NoError(t, f.SendText(ctx, "Best price?"))
	h.clk.Advance(replyDelay)

	h.clk.Advance(time.Minute + time.Second)
	err := f.AcceptOffer(ctx)
	var stale *market.StaleOfferError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, flow.Negotiation, f.Step())
	assert.Empty(t, h.agreements)

	require.NoError(t, f.SkipNegotiation(ctx))
	assert.Equal(t, flow.Payment, f.Step())
	assert.Equal(t, "10.00", h.agreements[0].AgreedPrice.String())
}

func TestFlow_VendorFixedAfterAgreement(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx
	require.NoError(t, f.ChooseOffer(ctx, "v1"))
	require.NoError(t, f.GoTo(ctx, flow.Comparison))

	require.ErrorIs(t, f.Negotiate(ctx, "v2"), market.ErrInvariant)
	assert.Equal(t, flow.Comparison, f.Step())

	require.NoError(t, f.ChooseOffer(ctx, "v1"))
	assert.Equal(t, flow.Negotiation, f.Step())
	require.NoError(t, f.GoTo(ctx, flow.Payment))
	assert.Len(t, h.agreements, 1)
}

func TestFlow_DeclinedPaymentReturnsToPayment(t *testing.T) {
	h := newHarness(t, func(c *flow.Config, _ *config.Config) {
		c.Processor = &checkout.MockProcessor{Decline: []string{"card"}}
	})
	f, ctx := h.f, h.ctx
	require.NoError(t, f.ChooseOffer(ctx, "v1"))
	require.NoError(t, f.ChoosePayment(ctx, "card"))
	require.NoError(t, f.CheckoutNext(ctx))
	h.clk.Advance(processDelay)

	cs, _ := f.CheckoutStep()
	assert.Equal(t, checkout.Payment, cs)
	require.ErrorIs(t, f.PaymentError(), checkout.ErrDeclined)
	assert.Equal(t, flow.Payment, f.Step())

	require.NoError(t, f.ChoosePayment(ctx, "mobile_money"))
	require.NoError(t, f.CheckoutNext(ctx))
	h.clk.Advance(processDelay)
	cs, _ = f.CheckoutStep()
	assert.Equal(t, checkout.Delivery, cs)
	assert.NoError(t, f.PaymentError())
}

func TestFlow_LeavingPaymentSuspendsProcessing(t *testing.T) {
	h := newHarness(t)
	f, ctx := h.f, h.ctx
	require.NoError(t, f.ChooseOffer(ctx, "v1"))
	require.NoError(t, f.ChoosePayment(ctx, "card"))
	require.NoError(t, f.CheckoutNext(ctx))

	require.NoError(t, f.Back(ctx))
	assert.Equal(t, flow.Negotiation, f.Step())
	cs, _ := f.CheckoutStep()
	assert.Equal(t, checkout.Payment, cs)
	h.clk.Advance(time.Minute)
	assert.Zero(t, h.proc.AuthorizeCalls())

	require.NoError(t, f.GoTo(ctx, flow.Payment))
	sel, ok := f.Selection()
	require.True(t, ok)
	require.NotNil(t, sel.Payment)
	assert.Equal(t, "card", sel.Payment.MethodID)
}

func TestFlow_CloseDuringPaymentBackoff(t *testing.T) {
	proc := &checkout.MockProcessor{FailFirst: 10}
	h := newHarness(t, func(c *flow.Config, _ *config.Config) { c.Processor = proc })
	f, ctx := h.f, h.ctx
	require.NoError(t, f.ChooseOffer(ctx, "v1"))
	require.NoError(t, f.ChoosePayment(ctx, "card"))
	require.NoError(t, f.CheckoutNext(ctx))
	h.clk.Advance(processDelay)

	cs, _ := f.CheckoutStep()
	require.Equal(t, checkout.PaymentProcessing, cs, "backing off after the first failure")
	require.Equal(t, 1, proc.AuthorizeCalls())
	require.Equal(t, 1, h.clk.Pending())

	require.NoError(t, f.Close(ctx))
	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, proc.AuthorizeCalls())
	assert.Len(t, h.closes, 1)
}

func TestFlow_TrackerReopenPolicy(t *testing.T) {
	t.Run("resume", func(t *testing.T) {
		h := newHarness(t)
		h.toTracking()
		h.clk.Advance(2 * tick)
		require.Equal(t, market.InTransit, h.status().Stage)

		require.NoError(t, h.f.CloseTracker(h.ctx))
		assert.False(t, h.f.TrackerRunning())
		h.clk.Advance(5 * tick)
		assert.Equal(t, market.InTransit, h.status().Stage)

		require.NoError(t, h.f.ReopenTracker(h.ctx))
		assert.Equal(t, market.InTransit, h.status().Stage)
		h.clk.Advance(tick)
		assert.Equal(t, market.Nearby, h.status().Stage)
	})

	t.Run("reset", func(t *testing.T) {
		h := newHarness(t, func(_ *flow.Config, s *config.Config) { s.Tracking.Resume = config.ResumeReset })
		h.toTracking()
		h.clk.Advance(2 * tick)
		require.NoError(t, h.f.CloseTracker(h.ctx))

		require.NoError(t, h.f.ReopenTracker(h.ctx))
		assert.Equal(t, market.Preparing, h.status().Stage)
		assert.Len(t, h.f.DeliveryHistory(), 1)
		h.clk.Advance(tick)
		assert.Equal(t, market.PickedUp, h.status().Stage)
		assert.Equal(t, market.PickedUp, h.f.Snapshot().Context.LastStatus.Stage)
	})
}

func TestFlow_ConfirmReceiptBeforeDelivery(t *testing.T) {
	h := newHarness(t)
	rec := h.toTracking()
	require.ErrorIs(t, h.f.GoTo(h.ctx, flow.Completed), market.ErrInvariant)

	require.NoError(t, h.f.ConfirmReceipt(h.ctx))
	assert.Equal(t, flow.Completed, h.f.Step())
	assert.False(t, h.f.TrackerRunning())
	assert.Equal(t, market.StatusCompleted, h.storedStatus(rec.ID))
}

func TestFlow_ReopenAfterCloseStartsFresh(t *testing.T) {
	h := newHarness(t)
	first := h.f.ID()
	require.NoError(t, h.f.ChooseOffer(h.ctx, "v1"))
	require.NoError(t, h.f.Close(h.ctx))

	require.NoError(t, h.f.Open(h.ctx))
	assert.NotEqual(t, first, h.f.ID())
	s := h.f.Snapshot()
	assert.Equal(t, flow.Comparison, s.Step)
	assert.Nil(t, s.Context.Agreement)
	assert.Nil(t, s.Context.Selected)
	assert.False(t, s.Closed)
}

func TestFlow_OffersFromSource(t *testing.T) {
	f, err := flow.New(flow.Config{
		Item:        testItem(),
		OfferSource: compare.Static(testOffers()),
		Clock:       clock.NewVirtual(now),
	})
	require.NoError(t, err)
	require.ErrorIs(t, f.ChooseOffer(context.Background(), "v1"), flow.ErrClosed)
	require.NoError(t, f.Open(context.Background()))
	assert.Len(t, f.Snapshot().Context.Offers, 2)

	boom := errors.New("catalog offline")
	f, err = flow.New(flow.Config{
		Item: testItem(),
		OfferSource: compare.OfferSourceFunc(func(context.Context, market.Item) ([]market.VendorOffer, error) {
			return nil, boom
		}),
	})
	require.NoError(t, err)
	require.ErrorIs(t, f.Open(context.Background()), boom)
	assert.False(t, f.IsOpen())

	_, err = flow.New(flow.Config{})
	require.ErrorIs(t, err, market.ErrValidation)
}

func TestFlow_ObservabilityWiring(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	h := newHarness(t, func(c *flow.Config, _ *config.Config) {
		c.Logger = zap.New(core)
		c.Transitions = observability.NewTransitionLogger(zap.New(core))
		c.Tracer = tp.Tracer("test")
	})
	h.toTracking()
	h.clk.Advance(tick)

	machines := map[string]bool{}
	for _, e := range logs.FilterMessage("state transition").All() {
		machines[e.ContextMap()["machine"].(string)] = true
	}
	for _, m := range []string{"flow", "negotiation", "checkout", "tracking"} {
		assert.True(t, machines[m], m)
	}
	assert.NotEmpty(t, logs.FilterMessage("flow opened").All())
	assert.NotEmpty(t, logs.FilterMessage("transaction committed").All())

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["negotiation.activity"])
	assert.True(t, names["checkout.activity"])
}
