package flow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/localmarket/dealflow/checkout"
	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/negotiation"
	"github.com/localmarket/dealflow/observability"
	"github.com/localmarket/dealflow/tracking"
)

// apply performs one effect. It must be called with f.mu held.
func (f *Flow) apply(ctx context.Context, e Effect) {
	switch e := e.(type) {
	case StartNegotiation:
		f.startNegotiation(ctx, e)
	case StopNegotiation:
		f.stopNegotiation(ctx)
	case StartCheckout:
		f.startCheckout(e.Agreement)
	case SuspendCheckout:
		if f.checkout != nil {
			if err := f.checkout.Suspend(ctx); err != nil {
				f.logger.Warn("checkout suspend failed", zap.Error(err))
			}
		}
	case CancelCheckout:
		if c := f.checkout; c != nil {
			f.checkout, f.checkoutFor = nil, ""
			c.Cancel()
		}
	case StartTracking:
		f.startTracking(e)
	case StopTracking:
		if f.tracker != nil {
			f.tracker.Stop()
		}
	case NotifyAgreement:
		f.logger.Info("agreement reached", zap.String("agreement", e.Agreement.ID), zap.Stringer("price", e.Agreement.AgreedPrice))
		if f.onAgreement != nil {
			a := e.Agreement
			f.notify(func() { f.onAgreement(a) })
		}
	case NotifyComplete:
		f.logger.Info("transaction committed", zap.String("record", e.Record.ID), zap.Stringer("total", e.Record.Total))
		if f.onComplete != nil {
			rec := e.Record
			f.notify(func() { f.onComplete(rec) })
		}
	case PersistStatus:
		if err := f.store.UpdateStatus(ctx, e.RecordID, e.Status); err != nil {
			f.logger.Error("record status update failed",
				zap.String("record", e.RecordID),
				zap.String("status", string(e.Status)),
				zap.Error(err))
		}
	case NotifyClose:
		f.session, f.checkout, f.checkoutFor, f.tracker = nil, nil, "", nil
		f.queue = nil
		f.open = false
		f.cancel()
		f.logger.Info("flow closed", zap.String("reason", string(e.Reason)))
		if f.onClose != nil {
			reason := e.Reason
			f.notify(func() { f.onClose(reason) })
		}
	default:
		f.logger.Error("unknown flow effect", zap.String("effect", fmtType(e)))
	}
}

func middleware[C any](tr trace.Tracer, machine string) []fsm.Middleware[C] {
	if tr == nil {
		return nil
	}
	return []fsm.Middleware[C]{
		observability.Tracing[C](tr, machine+".activity", attribute.String("machine", machine)),
	}
}

// ── Negotiation ─────────────────────────────────────────────────────────────

func (f *Flow) startNegotiation(ctx context.Context, e StartNegotiation) {
	if s := f.session; s != nil && (s.State().Terminal() || s.Offer().VendorID != e.Offer.VendorID) {
		f.stopNegotiation(ctx)
	}
	if f.session == nil {
		s, err := f.newSession(e.Offer)
		if err != nil {
			f.logger.Error("negotiation start failed", zap.Error(err))
			return
		}
		f.session = s
	}
	if e.Skip {
		if err := f.session.Skip(ctx); err != nil {
			f.logger.Warn("negotiation skip failed", zap.Error(err))
		}
	}
}

func (f *Flow) newSession(offer market.VendorOffer) (*negotiation.Session, error) {
	var s *negotiation.Session
	var err error
	s, err = negotiation.NewSession(negotiation.SessionConfig{
		Item:        f.item,
		Offer:       offer,
		Clock:       f.clock,
		Responder:   f.responder,
		ReplyDelay:  f.settings.Negotiation.ReplyDelay,
		OfferTTL:    f.settings.Negotiation.OfferTTL,
		Logger:      f.logger,
		Transitions: f.transitions,
		Middleware:  middleware[*negotiation.Session](f.tracer, "negotiation"),
		OnEvent:     func(ev negotiation.Event) { f.onNegotiation(s, ev) },
	})
	return s, err
}

// stopNegotiation drops the session first so its abandon report is
// recognised as stale.
func (f *Flow) stopNegotiation(ctx context.Context) {
	s := f.session
	if s == nil {
		return
	}
	f.session = nil
	if err := s.Abandon(ctx); err != nil {
		f.logger.Warn("negotiation abandon failed", zap.Error(err))
	}
}

func (f *Flow) onNegotiation(s *negotiation.Session, ev negotiation.Event) {
	if s != f.session {
		f.logger.Debug("stale negotiation event ignored", zap.String("event", fmtType(ev)))
		return
	}
	switch ev := ev.(type) {
	case negotiation.EventAgreed:
		f.enqueue(AgreementReached{Agreement: ev.Agreement})
	case negotiation.EventAbandoned:
		f.enqueue(NegotiationAbandoned{Reason: ev.Reason})
	case negotiation.EventMessage:
		f.logger.Debug("negotiation message",
			zap.String("sender", string(ev.Message.Sender)),
			zap.String("kind", string(ev.Message.Kind)))
	}
}

// ── Checkout ────────────────────────────────────────────────────────────────

func (f *Flow) startCheckout(a *market.Agreement) {
	if f.checkout != nil && f.checkoutFor == a.ID {
		return
	}
	if c := f.checkout; c != nil {
		f.checkout, f.checkoutFor = nil, ""
		c.Cancel()
	}

	var sel *checkout.Selector
	var err error
	pay := f.settings.Payment
	sel, err = checkout.NewSelector(checkout.SelectorConfig{
		Context:           f.ctx,
		Agreement:         a,
		Catalog:           f.catalog,
		Clock:             f.clock,
		Processor:         f.processor,
		ProcessingDelay:   pay.ProcessingDelay,
		Retry:             pay.Retry,
		ProcessingTimeout: pay.ProcessingTimeout,
		Store:             f.store,
		Logger:            f.logger,
		Transitions:       f.transitions,
		Middleware:        middleware[*checkout.Selector](f.tracer, "checkout"),
		OnEvent:           func(ev checkout.Event) { f.onCheckout(sel, ev) },
	})
	if err != nil {
		f.logger.Error("checkout start failed", zap.Error(err))
		return
	}
	f.checkout, f.checkoutFor = sel, a.ID
}

func (f *Flow) onCheckout(sel *checkout.Selector, ev checkout.Event) {
	if sel != f.checkout {
		f.logger.Debug("stale checkout event ignored", zap.String("event", fmtType(ev)))
		return
	}
	switch ev := ev.(type) {
	case checkout.EventCommitted:
		f.enqueue(TransactionCommitted{Record: ev.Record})
	case checkout.EventPaymentFailed:
		f.logger.Warn("payment processing failed", zap.Error(ev.Err))
	case checkout.EventAuthorized:
		f.logger.Info("payment authorized", zap.String("method", ev.Authorization.MethodID))
	case checkout.EventStep:
		f.logger.Debug("checkout step changed", zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	}
}

// ── Tracking ────────────────────────────────────────────────────────────────

func (f *Flow) startTracking(e StartTracking) {
	t := f.tracker
	if t != nil && t.Record().ID != e.Record.ID {
		f.tracker = nil
		t.Stop()
		t = nil
	}
	if t == nil {
		var err error
		if t, err = f.newTracker(e.Record); err != nil {
			f.logger.Error("tracker start failed", zap.Error(err))
			return
		}
		f.tracker = t
	}
	if t.Running() {
		return
	}
	if err := t.Start(e.From); err != nil {
		f.logger.Error("tracker start failed", zap.Error(err))
	}
}

func (f *Flow) newTracker(rec *market.TransactionRecord) (*tracking.Tracker, error) {
	var t *tracking.Tracker
	var err error
	tc := f.settings.Tracking
	t, err = tracking.NewTracker(tracking.TrackerConfig{
		Record:         rec,
		Clock:          f.clock,
		Interval:       tc.Interval,
		ETAStep:        tc.ETAStep,
		DistanceStep:   tc.DistanceStep,
		PickupETA:      tc.PickupETA,
		PickupDistance: tc.PickupDistance,
		Rand:           f.rng,
		Logger:         f.logger,
		Transitions:    f.transitions,
		Middleware:     middleware[*tracking.Tracker](f.tracer, "tracking"),
		OnEvent:        func(ev tracking.Event) { f.onTracking(t, ev) },
	})
	return t, err
}

func (f *Flow) onTracking(t *tracking.Tracker, ev tracking.Event) {
	if t != f.tracker {
		f.logger.Debug("stale tracking event ignored", zap.String("event", fmtType(ev)))
		return
	}
	switch ev := ev.(type) {
	case tracking.EventStatus:
		f.enqueue(DeliveryProgressed{Status: ev.Status})
	case tracking.EventDelivered:
		f.logger.Info("order delivered", zap.Time("at", ev.Status.At))
	}
}
