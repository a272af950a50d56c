package flow

import (
	"context"

	"github.com/localmarket/dealflow/checkout"
	"github.com/localmarket/dealflow/compare"
	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/negotiation"
)

// Compare ranks the flow's offers.
func (f *Flow) Compare(key compare.SortKey, filters compare.Filters) []market.VendorOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return compare.Compare(f.snap.Context.Offers, key, filters)
}

// ChooseOffer buys from vendorID at the listed price, skipping negotiation.
func (f *Flow) ChooseOffer(ctx context.Context, vendorID string) error {
	return f.choose(ctx, vendorID, false)
}

// Negotiate opens a negotiation with vendorID.
func (f *Flow) Negotiate(ctx context.Context, vendorID string) error {
	return f.choose(ctx, vendorID, true)
}

func (f *Flow) choose(ctx context.Context, vendorID string, negotiate bool) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	offer, ok := compare.Find(f.snap.Context.Offers, vendorID)
	if !ok {
		return market.Invalid("offer", "no offer from vendor "+vendorID)
	}
	return f.dispatch(ctx, ChooseOffer{Offer: offer, Negotiate: negotiate})
}

// GoTo navigates to step. Earlier steps are always reachable; later ones
// only when every step in between is satisfied.
func (f *Flow) GoTo(ctx context.Context, step Step) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	return f.dispatch(ctx, GoTo{Step: step})
}

// Back returns to the previous step.
func (f *Flow) Back(ctx context.Context) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	i := f.snap.Step.Ordinal()
	if i <= 0 {
		return &market.InvariantViolation{Op: "back", From: string(f.snap.Step), Reason: "already at the first step"}
	}
	return f.dispatch(ctx, GoTo{Step: Steps[i-1]})
}

// ConfirmReceipt completes the flow on the buyer's word.
func (f *Flow) ConfirmReceipt(ctx context.Context) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	return f.dispatch(ctx, ConfirmReceipt{})
}

// CloseTracker stops the tracker while staying at Tracking.
func (f *Flow) CloseTracker(ctx context.Context) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	return f.dispatch(ctx, CloseTracker{})
}

// ReopenTracker starts the tracker again, resuming or resetting according
// to the configured policy.
func (f *Flow) ReopenTracker(ctx context.Context) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	return f.dispatch(ctx, ReopenTracker{})
}

// ── Negotiation ─────────────────────────────────────────────────────────────

func (f *Flow) withSession(ctx context.Context, op string, fn func(*negotiation.Session) error) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	if f.snap.Step != Negotiation || f.session == nil {
		return &market.InvariantViolation{Op: op, From: string(f.snap.Step), Reason: "no negotiation in progress"}
	}
	err := fn(f.session)
	f.drain(ctx)
	return err
}

// SendText sends a chat message to the vendor.
func (f *Flow) SendText(ctx context.Context, text string) error {
	return f.withSession(ctx, "negotiation.text", func(s *negotiation.Session) error { return s.SendText(ctx, text) })
}

// MakeOffer proposes terms to the vendor.
func (f *Flow) MakeOffer(ctx context.Context, terms negotiation.OfferTerms) error {
	return f.withSession(ctx, "negotiation.offer", func(s *negotiation.Session) error { return s.MakeOffer(ctx, terms) })
}

// Counter answers the vendor's standing offer.
func (f *Flow) Counter(ctx context.Context, terms negotiation.OfferTerms) error {
	return f.withSession(ctx, "negotiation.counter", func(s *negotiation.Session) error { return s.Counter(ctx, terms) })
}

// AcceptOffer accepts the vendor's standing offer.
func (f *Flow) AcceptOffer(ctx context.Context) error {
	return f.withSession(ctx, "negotiation.accept", func(s *negotiation.Session) error { return s.Accept(ctx) })
}

// SkipNegotiation agrees at the listed price.
func (f *Flow) SkipNegotiation(ctx context.Context) error {
	return f.withSession(ctx, "negotiation.skip", func(s *negotiation.Session) error { return s.Skip(ctx) })
}

// AbandonNegotiation closes the session and returns to Comparison.
func (f *Flow) AbandonNegotiation(ctx context.Context) error {
	return f.withSession(ctx, "negotiation.abandon", func(s *negotiation.Session) error { return s.Abandon(ctx) })
}

// Messages returns the negotiation transcript, if a session exists.
func (f *Flow) Messages() []negotiation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	return f.session.Messages()
}

// NegotiationState returns the session state, if a session exists.
func (f *Flow) NegotiationState() (negotiation.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return "", false
	}
	return f.session.State(), true
}

// ── Checkout ────────────────────────────────────────────────────────────────

func (f *Flow) withCheckout(ctx context.Context, op string, fn func(*checkout.Selector) error) error {
	f.mu.Lock()
	defer f.unlock()
	if err := f.ready(); err != nil {
		return err
	}
	if f.snap.Step != Payment || f.checkout == nil {
		return &market.InvariantViolation{Op: op, From: string(f.snap.Step), Reason: "no checkout in progress"}
	}
	err := fn(f.checkout)
	f.drain(ctx)
	return err
}

// ChoosePayment selects a payment method.
func (f *Flow) ChoosePayment(ctx context.Context, id string) error {
	return f.withCheckout(ctx, "checkout.payment", func(c *checkout.Selector) error { return c.ChoosePayment(id) })
}

// ChooseDelivery selects a delivery option.
func (f *Flow) ChooseDelivery(ctx context.Context, id string) error {
	return f.withCheckout(ctx, "checkout.delivery", func(c *checkout.Selector) error { return c.ChooseDelivery(id) })
}

// SetAddress sets the delivery address.
func (f *Flow) SetAddress(ctx context.Context, address string) error {
	return f.withCheckout(ctx, "checkout.address", func(c *checkout.Selector) error { return c.SetAddress(address) })
}

// SetInstructions sets delivery instructions.
func (f *Flow) SetInstructions(ctx context.Context, text string) error {
	return f.withCheckout(ctx, "checkout.instructions", func(c *checkout.Selector) error { return c.SetInstructions(text) })
}

// ChooseTransporter selects a courier.
func (f *Flow) ChooseTransporter(ctx context.Context, id string) error {
	return f.withCheckout(ctx, "checkout.transporter", func(c *checkout.Selector) error { return c.ChooseTransporter(id) })
}

// CheckoutNext moves checkout one step forward.
func (f *Flow) CheckoutNext(ctx context.Context) error {
	return f.withCheckout(ctx, "checkout.next", func(c *checkout.Selector) error { return c.Next(ctx) })
}

// CanCheckoutNext reports the error CheckoutNext would return now. Nothing
// moves and no payment processing starts.
func (f *Flow) CanCheckoutNext(ctx context.Context) error {
	return f.withCheckout(ctx, "checkout.next", func(c *checkout.Selector) error { return c.CanNext(ctx) })
}

// CheckoutBack moves checkout one step back.
func (f *Flow) CheckoutBack(ctx context.Context) error {
	return f.withCheckout(ctx, "checkout.back", func(c *checkout.Selector) error { return c.Back(ctx) })
}

// ConfirmCheckout commits the transaction and moves the flow to Tracking.
func (f *Flow) ConfirmCheckout(ctx context.Context) (*market.TransactionRecord, error) {
	var rec *market.TransactionRecord
	err := f.withCheckout(ctx, "checkout.confirm", func(c *checkout.Selector) error {
		var err error
		rec, err = c.Confirm(ctx)
		return err
	})
	return rec, err
}

// CheckoutStep returns the checkout step, if checkout has started.
func (f *Flow) CheckoutStep() (checkout.Step, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkout == nil {
		return "", false
	}
	return f.checkout.Step(), true
}

// Quote returns the running total, if checkout has started.
func (f *Flow) Quote() (checkout.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkout == nil {
		return checkout.Quote{}, false
	}
	return f.checkout.Quote(), true
}

// Selection returns the checkout selections, if checkout has started.
func (f *Flow) Selection() (checkout.Selection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkout == nil {
		return checkout.Selection{}, false
	}
	return f.checkout.Selection(), true
}

// PaymentError returns the last payment or confirmation failure.
func (f *Flow) PaymentError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkout == nil {
		return nil
	}
	return f.checkout.LastError()
}

// ── Tracking ────────────────────────────────────────────────────────────────

// DeliveryStatus returns the latest tracker status.
func (f *Flow) DeliveryStatus() (market.DeliveryStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tracker == nil {
		return market.DeliveryStatus{}, false
	}
	return f.tracker.Status()
}

// DeliveryHistory returns every status since the tracker last started.
func (f *Flow) DeliveryHistory() []market.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tracker == nil {
		return nil
	}
	return f.tracker.History()
}

// TrackerRunning reports whether delivery ticks are scheduled.
func (f *Flow) TrackerRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracker != nil && f.tracker.Running()
}
