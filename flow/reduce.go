package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/localmarket/dealflow/compare"
	"github.com/localmarket/dealflow/config"
	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
)

// ErrClosed is returned for any action on a closed flow.
var ErrClosed = errors.New("flow: closed")

const (
	evChoose    fsm.Event = "choose_offer"
	evAgreed    fsm.Event = "agreement_reached"
	evAbandoned fsm.Event = "negotiation_abandoned"
	evCommitted fsm.Event = "transaction_committed"
	evConfirm   fsm.Event = "confirm_receipt"
)

func gotoEvent(s Step) fsm.Event { return fsm.Event("goto_" + string(s)) }

// reduction is the working state of a single Reduce call. It is discarded
// when the action is rejected.
type reduction struct {
	snap    Snapshot
	action  Action
	to      Step
	skip    bool
	effects []Effect
}

func (r *reduction) emit(e ...Effect) { r.effects = append(r.effects, e...) }

func (r *reduction) violation(reason string) error {
	return &market.InvariantViolation{
		Op:     actionName(r.action),
		From:   string(r.snap.Step),
		To:     string(r.to),
		Reason: reason,
	}
}

var machine = newMachine()

func newMachine() *fsm.Machine[Step, *reduction] {
	b := fsm.Define[Step, *reduction]().Named("flow")

	b.From(Comparison).On(evChoose).Guard(offerListed, sameVendor).To(Negotiation).Activity(selectOffer)
	b.From(Negotiation).On(evAgreed).Guard(agreementFits).To(Payment).Activity(recordAgreement)
	b.From(Negotiation).On(evAbandoned).Guard(notAgreed).To(Comparison)
	b.From(Payment).On(evCommitted).Guard(recordFits).To(Tracking).Activity(recordTransaction)
	b.From(Tracking).On(evConfirm).To(Completed).Activity(confirmReceipt)

	// Going back is always allowed. Going forward, including a jump over
	// several steps, needs the gate of every step entered on the way.
	for i, from := range Steps {
		for j, to := range Steps {
			switch {
			case j < i:
				b.From(from).On(gotoEvent(to)).To(to)
			case j > i:
				var guards []fsm.Guard[*reduction]
				for _, s := range Steps[i+1 : j+1] {
					guards = append(guards, gates[s])
				}
				b.From(from).On(gotoEvent(to)).Guard(guards...).To(to)
			}
		}
	}

	return b.
		OnExit(Negotiation, leaveNegotiation).
		OnExit(Payment, leavePayment).
		OnExit(Tracking, leaveTracking).
		OnEnter(Negotiation, enterNegotiation).
		OnEnter(Payment, enterPayment).
		OnEnter(Tracking, enterTracking).
		OnEnter(Completed, enterCompleted).
		MustBuild()
}

// gates are the preconditions for entering each step.
var gates = map[Step]fsm.Guard[*reduction]{
	Negotiation: func(_ context.Context, r *reduction) error {
		if r.snap.Context.Selected == nil {
			return r.violation("no vendor offer selected")
		}
		return nil
	},
	Payment: func(_ context.Context, r *reduction) error {
		if r.snap.Context.Agreement == nil {
			return r.violation("no agreement")
		}
		return nil
	},
	Tracking: func(_ context.Context, r *reduction) error {
		if r.snap.Context.Record == nil {
			return r.violation("no transaction record")
		}
		return nil
	},
	Completed: func(_ context.Context, r *reduction) error {
		if c := r.snap.Context; !c.Delivered && !c.Confirmed {
			return r.violation("delivery neither delivered nor confirmed")
		}
		return nil
	},
}

// ── Guards ──────────────────────────────────────────────────────────────────

func offerListed(_ context.Context, r *reduction) error {
	a := r.action.(ChooseOffer)
	if a.Offer.VendorID == "" {
		return market.Invalid("offer", "no vendor offer selected")
	}
	if offers := r.snap.Context.Offers; len(offers) > 0 {
		if _, ok := compare.Find(offers, a.Offer.VendorID); !ok {
			return r.violation("offer from " + a.Offer.VendorID + " is not listed")
		}
	}
	return nil
}

func sameVendor(_ context.Context, r *reduction) error {
	a := r.action.(ChooseOffer)
	if ag := r.snap.Context.Agreement; ag != nil && ag.Vendor.ID != a.Offer.VendorID {
		return r.violation("already agreed with " + ag.Vendor.ID)
	}
	return nil
}

func agreementFits(_ context.Context, r *reduction) error {
	a := r.action.(AgreementReached).Agreement
	c := r.snap.Context
	switch {
	case a == nil:
		return r.violation("no agreement")
	case c.Selected == nil || a.Vendor.ID != c.Selected.VendorID:
		return r.violation("agreement is not with the selected vendor")
	case c.Agreement != nil && c.Agreement.ID != a.ID:
		return r.violation("agreement already reached")
	}
	return nil
}

func notAgreed(_ context.Context, r *reduction) error {
	if r.snap.Context.Agreement != nil {
		return r.violation("negotiation already concluded")
	}
	return nil
}

func recordFits(_ context.Context, r *reduction) error {
	rec := r.action.(TransactionCommitted).Record
	c := r.snap.Context
	switch {
	case rec == nil:
		return r.violation("no transaction record")
	case c.Agreement == nil || rec.AgreementID != c.Agreement.ID:
		return r.violation("record does not match the agreement")
	case c.Record != nil && c.Record.ID != rec.ID:
		return r.violation("transaction already committed")
	}
	return nil
}

// ── Activities ──────────────────────────────────────────────────────────────

func selectOffer(_ context.Context, r *reduction) error {
	a := r.action.(ChooseOffer)
	offer := a.Offer
	if listed, ok := compare.Find(r.snap.Context.Offers, offer.VendorID); ok {
		offer = listed
	}
	r.snap.Context.Selected = &offer
	r.skip = !a.Negotiate
	return nil
}

func recordAgreement(_ context.Context, r *reduction) error {
	a := r.action.(AgreementReached).Agreement
	if r.snap.Context.Agreement == nil {
		r.snap.Context.Agreement = a
		r.emit(NotifyAgreement{Agreement: a})
	}
	return nil
}

func recordTransaction(_ context.Context, r *reduction) error {
	rec := r.action.(TransactionCommitted).Record
	if r.snap.Context.Record == nil {
		r.snap.Context.Record = rec
		r.emit(NotifyComplete{Record: rec})
	}
	return nil
}

func confirmReceipt(_ context.Context, r *reduction) error {
	r.snap.Context.Confirmed = true
	return nil
}

// ── Hooks ───────────────────────────────────────────────────────────────────

func leaveNegotiation(_ context.Context, r *reduction) error {
	if r.to == Comparison && r.snap.Context.Agreement == nil {
		r.emit(StopNegotiation{})
	}
	return nil
}

func leavePayment(_ context.Context, r *reduction) error {
	if r.to.Ordinal() < Payment.Ordinal() {
		r.emit(SuspendCheckout{})
	}
	return nil
}

func leaveTracking(_ context.Context, r *reduction) error {
	r.emit(StopTracking{})
	return nil
}

func enterNegotiation(_ context.Context, r *reduction) error {
	c := r.snap.Context
	if c.Agreement == nil {
		r.emit(StartNegotiation{Offer: *c.Selected, Skip: r.skip})
	}
	return nil
}

func enterPayment(_ context.Context, r *reduction) error {
	r.emit(StartCheckout{Agreement: r.snap.Context.Agreement})
	return nil
}

func enterTracking(_ context.Context, r *reduction) error {
	r.startTracking()
	return nil
}

func enterCompleted(_ context.Context, r *reduction) error {
	r.emit(PersistStatus{RecordID: r.snap.Context.Record.ID, Status: market.StatusCompleted})
	return nil
}

func (r *reduction) startTracking() {
	c := &r.snap.Context
	if r.snap.Resume == config.ResumeReset {
		c.LastStatus = nil
	}
	r.emit(StartTracking{Record: c.Record, From: c.LastStatus})
}

// ── Reduce ──────────────────────────────────────────────────────────────────

// Reduce applies a to s. It returns the next snapshot and the effects the
// runtime must perform. A rejected action returns s unchanged, no effects
// and the reason.
func Reduce(s Snapshot, a Action) (Snapshot, []Effect, error) {
	if s.Closed {
		return s, nil, ErrClosed
	}
	r := &reduction{snap: s, action: a, to: s.Step}

	var err error
	switch a := a.(type) {
	case ChooseOffer:
		err = r.fire(evChoose)
	case GoTo:
		if a.Step.Ordinal() < 0 {
			return s, nil, market.Invalid("step", "unknown step "+string(a.Step))
		}
		if a.Step == s.Step {
			return s, nil, nil
		}
		err = r.fire(gotoEvent(a.Step))
	case AgreementReached:
		err = r.fire(evAgreed)
	case NegotiationAbandoned:
		err = r.fire(evAbandoned)
	case TransactionCommitted:
		err = r.fire(evCommitted)
	case ConfirmReceipt:
		err = r.fire(evConfirm)
	case DeliveryProgressed:
		err = r.progress(a.Status)
	case CloseTracker:
		if err = r.inStep(Tracking); err == nil {
			r.emit(StopTracking{})
		}
	case ReopenTracker:
		if err = r.inStep(Tracking); err == nil {
			r.startTracking()
		}
	case Close:
		r.close()
	default:
		err = fmt.Errorf("flow: unknown action %T", a)
	}
	if err != nil {
		return s, nil, err
	}
	return r.snap, r.effects, nil
}

func (r *reduction) fire(ev fsm.Event) error {
	ctx := context.Background()
	from := r.snap.Step
	to, err := machine.Target(ctx, from, ev, r)
	if errors.Is(err, fsm.ErrUnknownEvent) {
		return r.violation("not allowed at this step")
	}
	if err != nil {
		return err
	}
	r.to = to
	if r.snap.Step, err = machine.Fire(ctx, from, ev, r); err != nil {
		return err
	}
	return nil
}

func (r *reduction) inStep(allowed Step) error {
	if r.snap.Step != allowed {
		return r.violation("not allowed at this step")
	}
	return nil
}

// progress records a tracker status. Status never regresses within one
// tracking session.
func (r *reduction) progress(st market.DeliveryStatus) error {
	if err := r.inStep(Tracking); err != nil {
		return err
	}
	pos := st.Stage.Ordinal()
	if pos < 0 {
		return market.Invalid("stage", "unknown delivery stage "+string(st.Stage))
	}
	c := &r.snap.Context
	prev := -1
	if c.LastStatus != nil {
		prev = c.LastStatus.Stage.Ordinal()
	}
	if pos < prev {
		return r.violation(fmt.Sprintf("delivery status regressed from %s to %s", c.LastStatus.Stage, st.Stage))
	}

	picked := market.PickedUp.Ordinal()
	switch {
	case st.Stage.Terminal() && !c.Delivered:
		c.Delivered = true
		r.emit(PersistStatus{RecordID: c.Record.ID, Status: market.StatusDelivered})
	case !c.Delivered && prev < picked && pos >= picked:
		r.emit(PersistStatus{RecordID: c.Record.ID, Status: market.StatusInTransit})
	}
	c.LastStatus = &st
	return nil
}

func (r *reduction) close() {
	reason := ReasonCancelled
	if r.snap.Step == Completed {
		reason = ReasonCompleted
	}
	r.emit(StopNegotiation{}, CancelCheckout{}, StopTracking{}, NotifyClose{Reason: reason})
	r.snap.Closed = true
}

func actionName(a Action) string {
	switch a := a.(type) {
	case ChooseOffer:
		return string(evChoose)
	case GoTo:
		return string(gotoEvent(a.Step))
	case AgreementReached:
		return string(evAgreed)
	case NegotiationAbandoned:
		return string(evAbandoned)
	case TransactionCommitted:
		return string(evCommitted)
	case ConfirmReceipt:
		return string(evConfirm)
	case DeliveryProgressed:
		return "delivery_progressed"
	case CloseTracker:
		return "close_tracker"
	case ReopenTracker:
		return "reopen_tracker"
	case Close:
		return "close"
	}
	return fmt.Sprintf("%T", a)
}

func fmtType(v any) string { return fmt.Sprintf("%T", v) }
