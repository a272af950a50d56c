package checkout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmarket/dealflow/checkout"
	"github.com/localmarket/dealflow/clock"
	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

var ctx = context.Background()

const (
	processing = 2 * time.Second
	backoff    = 100 * time.Millisecond
)

func catalog() market.Catalog {
	return market.Catalog{
		PaymentMethods: []market.PaymentMethod{
			{ID: "card", Name: "Card", Fee: money.MustParse("2.50"), RequiresProcessing: true},
			{ID: "mobile_money", Name: "Mobile money", Fee: money.MustParse("1.00"), RequiresProcessing: true},
			{ID: "cod", Name: "Cash on delivery"},
		},
		DeliveryOptions: []market.DeliveryOption{
			{ID: "home", Name: "Home delivery", Kind: market.DeliveryHome, Price: money.MustParse("5.00")},
			{ID: "express", Name: "Express", Kind: market.DeliveryExpress, Price: money.MustParse("8.00")},
			{ID: "pickup", Name: "Self pickup", Kind: market.DeliveryPickup},
		},
		Transporters: []market.Transporter{
			{ID: "moto_1", Name: "Kofi", Vehicle: "motorbike", Fee: money.MustParse("4.50"), ETAMinutes: 30, DistanceKm: 4.2},
		},
	}
}

type memSaver struct {
	mu      sync.Mutex
	recs    map[string]*market.TransactionRecord
	saveErr error
	deleted []string
}

func (m *memSaver) Save(_ context.Context, rec *market.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.recs == nil {
		m.recs = map[string]*market.TransactionRecord{}
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memSaver) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type harness struct {
	clk    *clock.Virtual
	proc   *checkout.MockProcessor
	store  *memSaver
	sel    *checkout.Selector
	events []checkout.Event
}

func newHarness(t *testing.T, mod ...func(*checkout.SelectorConfig)) *harness {
	t.Helper()
	item := market.Item{ID: "itm_1", Title: "Yam tubers", Price: money.MustParse("10.00")}
	offer := &market.VendorOffer{VendorID: "vnd_01", VendorName: "Harbour Mart", Price: item.Price}
	a, err := market.NewAgreement(item, offer, money.MustParse("9.00"), market.AgreementNegotiated, time.Now())
	require.NoError(t, err)

	h := &harness{
		clk:   clock.NewVirtual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		proc:  &checkout.MockProcessor{},
		store: &memSaver{},
	}
	cfg := checkout.SelectorConfig{
		Agreement:       a,
		Catalog:         catalog(),
		Clock:           h.clk,
		Processor:       h.proc,
		ProcessingDelay: processing,
		Retry:           fsm.RetryPolicy{MaxAttempts: 3, InitialInterval: backoff},
		Store:           h.store,
		OnEvent:         func(e checkout.Event) { h.events = append(h.events, e) },
	}
	for _, m := range mod {
		m(&cfg)
	}
	h.sel, err = checkout.NewSelector(cfg)
	require.NoError(t, err)
	return h
}

func TestSelector_HomeDeliveryEndToEnd(t *testing.T) {
	h := newHarness(t)
	s := h.sel

	require.ErrorIs(t, s.Next(ctx), market.ErrValidation)
	assert.Equal(t, checkout.Payment, s.Step())

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	assert.Equal(t, checkout.PaymentProcessing, s.Step())

	h.clk.Advance(processing)
	assert.Equal(t, checkout.Delivery, s.Step())
	assert.True(t, s.Selection().Authorized)
	assert.Equal(t, 1, h.proc.AuthorizeCalls())

	require.NoError(t, s.ChooseDelivery("home"))
	err := s.Next(ctx)
	var ve *market.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "address", ve.Field)
	assert.Equal(t, checkout.Delivery, s.Step())

	require.NoError(t, s.SetAddress("12 Market Rd, Accra"))
	require.NoError(t, s.SetInstructions("Call on arrival"))
	require.NoError(t, s.Next(ctx))
	assert.Equal(t, checkout.TransporterSelection, s.Step())

	require.ErrorIs(t, s.Next(ctx), market.ErrValidation)
	assert.Equal(t, checkout.TransporterSelection, s.Step())

	require.NoError(t, s.ChooseTransporter("moto_1"))
	require.NoError(t, s.Next(ctx))
	assert.Equal(t, checkout.Confirmation, s.Step())

	q := s.Quote()
	assert.Equal(t, "21.00", q.Total.String())
	assert.Equal(t, money.Cents(450), q.TransporterFee)

	rec, err := s.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkout.Committed, s.Step())
	assert.Equal(t, money.MustParse("21.00"), rec.Total)
	assert.Equal(t, "12 Market Rd, Accra", rec.Address)
	assert.Equal(t, "Call on arrival", rec.Instructions)
	require.NotNil(t, rec.Delivery.Transporter)
	assert.Equal(t, "moto_1", rec.Delivery.Transporter.ID)
	assert.Contains(t, h.store.recs, rec.ID)

	captured := h.proc.Captured()
	require.Len(t, captured, 1)
	assert.Equal(t, rec.Total, captured[0].Amount)

	holds := h.proc.Authorized()
	require.Len(t, holds, 2, "processing holds price and fee, confirmation tops up to the total")
	assert.Equal(t, money.MustParse("11.50"), holds[0].Amount)
	assert.Equal(t, holds[1].ID, captured[0].ID)
	assert.LessOrEqual(t, captured[0].Amount, holds[1].Amount)

	var committed []*market.TransactionRecord
	for _, e := range h.events {
		if c, ok := e.(checkout.EventCommitted); ok {
			committed = append(committed, c.Record)
		}
	}
	require.Len(t, committed, 1)
	assert.Same(t, rec, committed[0])

	_, err = s.Confirm(ctx)
	assert.ErrorIs(t, err, checkout.ErrCommitted)
	assert.ErrorIs(t, s.Back(ctx), checkout.ErrCommitted)
}

func TestSelector_CashOnDeliveryPickupSkipsOptionalSteps(t *testing.T) {
	h := newHarness(t)
	s := h.sel

	require.NoError(t, s.ChoosePayment("cod"))
	require.NoError(t, s.Next(ctx))
	assert.Equal(t, checkout.Delivery, s.Step(), "no processing for cash on delivery")

	require.NoError(t, s.ChooseDelivery("pickup"))
	require.NoError(t, s.Next(ctx), "pickup needs no address")
	assert.Equal(t, checkout.Confirmation, s.Step(), "no transporter for pickup")

	require.NoError(t, s.Back(ctx))
	assert.Equal(t, checkout.Delivery, s.Step())
	require.NoError(t, s.Back(ctx))
	assert.Equal(t, checkout.Payment, s.Step())

	sel := s.Selection()
	require.NotNil(t, sel.Payment)
	assert.Equal(t, "cod", sel.Payment.MethodID)
	require.NotNil(t, sel.Delivery)
	assert.Equal(t, "pickup", sel.Delivery.OptionID)

	require.NoError(t, s.Next(ctx))
	require.NoError(t, s.Next(ctx))
	rec, err := s.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("9.00"), rec.Total)
	assert.Nil(t, rec.Delivery.Transporter)
	assert.Zero(t, h.proc.AuthorizeCalls())
	assert.Empty(t, h.proc.Captured())
}

func TestSelector_BackFromConfirmationFollowsBranch(t *testing.T) {
	h := newHarness(t)
	s := h.sel
	require.NoError(t, s.ChoosePayment("cod"))
	require.NoError(t, s.Next(ctx))
	require.NoError(t, s.ChooseDelivery("express"))
	require.NoError(t, s.SetAddress("Ring Road"))
	require.NoError(t, s.Next(ctx))
	require.NoError(t, s.ChooseTransporter("moto_1"))
	require.NoError(t, s.Next(ctx))

	require.NoError(t, s.Back(ctx))
	assert.Equal(t, checkout.TransporterSelection, s.Step())

	require.NoError(t, s.Back(ctx))
	assert.Equal(t, checkout.Delivery, s.Step())
	sel := s.Selection()
	assert.Equal(t, "Ring Road", sel.Address)
	require.NotNil(t, sel.Delivery.Transporter)
	assert.Equal(t, "moto_1", sel.Delivery.Transporter.ID)
}

func TestSelector_DeclinedReturnsToPayment(t *testing.T) {
	h := newHarness(t)
	h.proc.Decline = []string{"card"}
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	h.clk.Advance(processing)

	assert.Equal(t, checkout.Payment, s.Step())
	assert.ErrorIs(t, s.LastError(), checkout.ErrDeclined)
	assert.Equal(t, 1, h.proc.AuthorizeCalls(), "declines are not retried")
	assert.False(t, s.Selection().Authorized)

	var failed bool
	for _, e := range h.events {
		if _, ok := e.(checkout.EventPaymentFailed); ok {
			failed = true
		}
	}
	assert.True(t, failed)

	require.NoError(t, s.ChoosePayment("cod"))
	assert.NoError(t, s.LastError())
	require.NoError(t, s.Next(ctx))
	assert.Equal(t, checkout.Delivery, s.Step())
}

func TestSelector_RetriesUnavailableProcessor(t *testing.T) {
	h := newHarness(t)
	h.proc.FailFirst = 2
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	h.clk.Advance(processing)

	assert.Equal(t, checkout.PaymentProcessing, s.Step(), "waiting out the first backoff")
	assert.Equal(t, 1, h.proc.AuthorizeCalls())
	assert.Equal(t, 1, h.clk.Pending())

	h.clk.Advance(backoff)
	assert.Equal(t, 2, h.proc.AuthorizeCalls())
	assert.Equal(t, checkout.PaymentProcessing, s.Step())

	h.clk.Advance(2*backoff - time.Millisecond)
	assert.Equal(t, 2, h.proc.AuthorizeCalls(), "second wait doubles")
	h.clk.Advance(time.Millisecond)

	assert.Equal(t, checkout.Delivery, s.Step())
	assert.Equal(t, 3, h.proc.AuthorizeCalls())
	assert.Zero(t, h.clk.Pending())
	assert.NoError(t, s.LastError())
}

func TestSelector_RetryExhausted(t *testing.T) {
	h := newHarness(t)
	h.proc.FailFirst = 10
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	h.clk.Advance(processing)
	h.clk.Advance(backoff)
	h.clk.Advance(2 * backoff)

	assert.Equal(t, checkout.Payment, s.Step())
	assert.Equal(t, 3, h.proc.AuthorizeCalls())
	assert.Zero(t, h.clk.Pending())
	assert.ErrorIs(t, s.LastError(), fsm.ErrRetryExhausted)
	assert.ErrorIs(t, s.LastError(), checkout.ErrUnavailable)
}

func TestSelector_CancelDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.proc.FailFirst = 10
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	h.clk.Advance(processing)
	require.Equal(t, 1, h.clk.Pending(), "retry armed on the clock")

	done := make(chan struct{})
	go func() {
		s.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked during backoff")
	}

	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.proc.AuthorizeCalls())
	assert.ErrorIs(t, s.Next(ctx), checkout.ErrCancelled)
}

// stallingProcessor blocks Authorize until its context ends.
type stallingProcessor struct {
	checkout.MockProcessor
	entered chan struct{}
}

func (p *stallingProcessor) Authorize(ctx context.Context, _ checkout.PaymentRequest) (checkout.Authorization, error) {
	close(p.entered)
	<-ctx.Done()
	return checkout.Authorization{}, ctx.Err()
}

func TestSelector_CancelInterruptsAuthorization(t *testing.T) {
	proc := &stallingProcessor{entered: make(chan struct{})}
	h := newHarness(t, func(c *checkout.SelectorConfig) { c.Processor = proc })
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	go h.clk.Advance(processing)
	<-proc.entered

	done := make(chan struct{})
	go func() {
		s.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not interrupt the authorization")
	}
	assert.Zero(t, h.clk.Pending())
	assert.NoError(t, s.LastError(), "an abandoned attempt is not a failure")
}

func TestSelector_ContextEndsProcessing(t *testing.T) {
	cctx, cancel := context.WithCancel(ctx)
	h := newHarness(t, func(c *checkout.SelectorConfig) { c.Context = cctx })
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	cancel()
	h.clk.Advance(processing)

	assert.Zero(t, h.proc.AuthorizeCalls())
	assert.Equal(t, checkout.PaymentProcessing, s.Step())
	assert.ErrorIs(t, s.Back(ctx), fsm.ErrExecutionCancelled)
}

func TestSelector_BackCancelsProcessing(t *testing.T) {
	h := newHarness(t)
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	require.Equal(t, 1, h.clk.Pending())

	require.NoError(t, s.Back(ctx))
	assert.Equal(t, checkout.Payment, s.Step())
	assert.Zero(t, h.clk.Pending())

	h.clk.Advance(time.Minute)
	assert.Equal(t, checkout.Payment, s.Step())
	assert.Zero(t, h.proc.AuthorizeCalls())
}

func TestSelector_AuthorizedMethodIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	h.clk.Advance(processing)
	require.Equal(t, checkout.Delivery, s.Step())

	require.NoError(t, s.Back(ctx))
	require.NoError(t, s.Next(ctx))
	assert.Equal(t, checkout.Delivery, s.Step())
	assert.Equal(t, 1, h.proc.AuthorizeCalls())

	require.NoError(t, s.Back(ctx))
	require.NoError(t, s.ChoosePayment("mobile_money"))
	require.NoError(t, s.Next(ctx))
	assert.Equal(t, checkout.PaymentProcessing, s.Step(), "a different method needs its own authorization")
}

func TestSelector_CaptureFailureCompensates(t *testing.T) {
	h := newHarness(t)
	h.proc.FailCapture = true
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	h.clk.Advance(processing)
	require.NoError(t, s.ChooseDelivery("pickup"))
	require.NoError(t, s.Next(ctx))

	_, err := s.Confirm(ctx)
	require.ErrorIs(t, err, checkout.ErrUnavailable)
	assert.Equal(t, checkout.Confirmation, s.Step())
	assert.Empty(t, h.store.recs)
	assert.Len(t, h.store.deleted, 1)
	_, ok := s.Record()
	assert.False(t, ok)
	assert.Error(t, s.LastError())
}

func TestSelector_SaveFailureLeavesStepUnchanged(t *testing.T) {
	h := newHarness(t)
	h.store.saveErr = errors.New("disk full")
	s := h.sel

	require.NoError(t, s.ChoosePayment("cod"))
	require.NoError(t, s.Next(ctx))
	require.NoError(t, s.ChooseDelivery("pickup"))
	require.NoError(t, s.Next(ctx))

	_, err := s.Confirm(ctx)
	require.Error(t, err)
	assert.Equal(t, checkout.Confirmation, s.Step())
}

func TestSelector_NextWithoutSelection(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, s *checkout.Selector)
		at    checkout.Step
		field string
	}{
		{
			name:  "no payment method",
			at:    checkout.Payment,
			field: "payment",
		},
		{
			name: "no delivery option",
			setup: func(t *testing.T, s *checkout.Selector) {
				require.NoError(t, s.ChoosePayment("cod"))
				require.NoError(t, s.Next(ctx))
			},
			at:    checkout.Delivery,
			field: "delivery",
		},
		{
			name: "no transporter",
			setup: func(t *testing.T, s *checkout.Selector) {
				require.NoError(t, s.ChoosePayment("cod"))
				require.NoError(t, s.Next(ctx))
				require.NoError(t, s.ChooseDelivery("home"))
				require.NoError(t, s.SetAddress("12 Market Rd"))
				require.NoError(t, s.Next(ctx))
			},
			at:    checkout.TransporterSelection,
			field: "transporter",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.sel
			if tc.setup != nil {
				tc.setup(t, s)
			}
			require.Equal(t, tc.at, s.Step())

			var ve *market.ValidationError
			require.ErrorAs(t, s.CanNext(ctx), &ve)
			assert.Equal(t, tc.field, ve.Field)

			err := s.Next(ctx)
			require.ErrorIs(t, err, market.ErrValidation)
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Equal(t, tc.at, s.Step())
			assert.Zero(t, h.proc.AuthorizeCalls())
		})
	}
}

func TestSelector_CanNextDoesNotMove(t *testing.T) {
	h := newHarness(t)
	s := h.sel
	require.NoError(t, s.ChoosePayment("card"))

	require.NoError(t, s.CanNext(ctx))
	assert.Equal(t, checkout.Payment, s.Step())
	assert.Zero(t, h.clk.Pending(), "no processing scheduled")

	require.NoError(t, s.Next(ctx))
	assert.ErrorIs(t, s.CanNext(ctx), market.ErrInvariant)
}

func TestDiagram(t *testing.T) {
	d := checkout.Diagram()
	assert.Contains(t, d, "stateDiagram-v2")
	assert.Contains(t, d, "payment --> payment_processing : next [if #1]")
	assert.Contains(t, d, "payment --> delivery : next [else]")
	assert.Contains(t, d, "delivery --> confirmation : next [pickup]")
	assert.Contains(t, d, "confirmation --> committed : confirm")
}

func TestSelector_OperationsOutsideTheirStep(t *testing.T) {
	h := newHarness(t)
	s := h.sel

	assert.ErrorIs(t, s.ChooseDelivery("home"), market.ErrInvariant)
	assert.ErrorIs(t, s.ChooseTransporter("moto_1"), market.ErrInvariant)
	assert.ErrorIs(t, s.Back(ctx), market.ErrInvariant)
	_, err := s.Confirm(ctx)
	assert.ErrorIs(t, err, market.ErrInvariant)

	assert.ErrorIs(t, s.ChoosePayment("bitcoin"), market.ErrValidation)
	assert.Equal(t, checkout.Payment, s.Step())
	assert.Nil(t, s.Selection().Payment)
}

func TestSelector_SuspendAndCancel(t *testing.T) {
	h := newHarness(t)
	s := h.sel

	require.NoError(t, s.ChoosePayment("card"))
	require.NoError(t, s.Next(ctx))
	require.NoError(t, s.Suspend(ctx))
	assert.Equal(t, checkout.Payment, s.Step())
	assert.Zero(t, h.clk.Pending())
	require.NoError(t, s.Suspend(ctx), "suspend outside processing is a no-op")

	require.NoError(t, s.Next(ctx))
	s.Cancel()
	s.Cancel()
	assert.Zero(t, h.clk.Pending())
	h.clk.Advance(time.Minute)
	assert.Zero(t, h.proc.AuthorizeCalls())
	assert.ErrorIs(t, s.Next(ctx), checkout.ErrCancelled)
	assert.ErrorIs(t, s.ChoosePayment("cod"), checkout.ErrCancelled)
}

func TestNewSelector_RequiresAgreement(t *testing.T) {
	_, err := checkout.NewSelector(checkout.SelectorConfig{Catalog: catalog()})
	require.ErrorIs(t, err, market.ErrInvariant)
}

func TestSelector_StepEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sel.ChoosePayment("cod"))
	require.NoError(t, h.sel.Next(ctx))

	require.NotEmpty(t, h.events)
	step, ok := h.events[0].(checkout.EventStep)
	require.True(t, ok)
	assert.Equal(t, checkout.EventStep{From: checkout.Payment, To: checkout.Delivery}, step)
}
