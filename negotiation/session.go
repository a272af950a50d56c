// Package negotiation runs the buyer/vendor message protocol that ends in an
// Agreement or an abandoned session.
//
//	Idle → AwaitingResponse ⇄ OfferPending ⇄ CounterOfferPending → Agreed | Abandoned
//
// Buyer messages are appended synchronously; each one schedules exactly one
// vendor reply on the session clock. Closing the session (accept, skip or
// abandon) cancels every reply still pending.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localmarket/dealflow/clock"
	"github.com/localmarket/dealflow/fsm"
	"github.com/localmarket/dealflow/market"
)

// State is a negotiation session state.
type State string

const (
	Idle                State = "idle"
	AwaitingResponse    State = "awaiting_response"
	OfferPending        State = "offer_pending"
	CounterOfferPending State = "counter_offer_pending"
	Agreed              State = "agreed"
	Abandoned           State = "abandoned"
)

// Terminal reports whether the session is over.
func (s State) Terminal() bool { return s == Agreed || s == Abandoned }

const (
	evBuyerMessage fsm.Event = "buyer_message"
	evVendorReply  fsm.Event = "vendor_reply"
	evAccept       fsm.Event = "accept"
	evSkip         fsm.Event = "skip"
	evAbandon      fsm.Event = "abandon"
)

var open = []State{Idle, AwaitingResponse, OfferPending, CounterOfferPending}

// ErrClosed is returned by buyer operations once the session is over.
var ErrClosed = errors.New("negotiation: session closed")

// Event is something the session reports to its owner.
type Event interface{ negotiationEvent() }

// EventMessage reports a message appended to the log.
type EventMessage struct{ Message Message }

// EventAgreed reports the agreement the session concluded with.
type EventAgreed struct{ Agreement *market.Agreement }

// EventAbandoned reports that the session closed without an agreement.
type EventAbandoned struct{ Reason string }

func (EventMessage) negotiationEvent()   {}
func (EventAgreed) negotiationEvent()    {}
func (EventAbandoned) negotiationEvent() {}

// Defaults applied by NewSession.
const (
	DefaultReplyDelay = 1500 * time.Millisecond
	DefaultOfferTTL   = 10 * time.Minute
)

// SessionConfig wires a Session.
type SessionConfig struct {
	Item  market.Item
	Offer market.VendorOffer
	Clock clock.Clock
	// Responder answers buyer messages. Defaults to DefaultHaggle.
	Responder  Responder
	ReplyDelay time.Duration
	OfferTTL   time.Duration
	Logger     *zap.Logger
	// Transitions receives every state change.
	Transitions fsm.Logger
	Middleware  []fsm.Middleware[*Session]
	// OnEvent is called synchronously with the session lock held. It must
	// not call back into the Session.
	OnEvent func(Event)
}

type closing struct {
	price  Terms
	source market.AgreementSource
}

// Session is one negotiation between the buyer and the vendor of a single
// offer. It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id         string
	item       market.Item
	offer      market.VendorOffer
	clock      clock.Clock
	responder  Responder
	replyDelay time.Duration
	offerTTL   time.Duration
	logger     *zap.Logger
	onEvent    func(Event)

	exec      *fsm.Execution[State, *Session]
	messages  []Message
	onTable   *Message
	pending   map[string]clock.Timer
	rounds    int
	reply     *Message
	closing   *closing
	agreement *market.Agreement
}

// NewSession returns an idle session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Offer.VendorID == "" {
		return nil, market.Violation("negotiation.new", "no vendor offer selected")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Responder == nil {
		cfg.Responder = DefaultHaggle
	}
	if cfg.ReplyDelay <= 0 {
		cfg.ReplyDelay = DefaultReplyDelay
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = DefaultOfferTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}

	s := &Session{
		id:         uuid.NewString(),
		item:       cfg.Item,
		offer:      cfg.Offer,
		clock:      cfg.Clock,
		responder:  cfg.Responder,
		replyDelay: cfg.ReplyDelay,
		offerTTL:   cfg.OfferTTL,
		onEvent:    cfg.OnEvent,
		pending:    make(map[string]clock.Timer),
	}
	s.logger = cfg.Logger.With(zap.String("session", s.id), zap.String("vendor", cfg.Offer.VendorID))

	m, err := newMachine(cfg.Transitions, cfg.Middleware...)
	if err != nil {
		return nil, err
	}
	s.exec = m.NewExecution(context.Background(), Idle, fsm.WithNow[State, *Session](cfg.Clock.Now))
	return s, nil
}

func newMachine(l fsm.Logger, mw ...fsm.Middleware[*Session]) (*fsm.Machine[State, *Session], error) {
	return fsm.Define[State, *Session]().
		Named("negotiation").
		WithLogger(l).
		WithMiddleware(mw...).
		From(open...).On(evBuyerMessage).To(AwaitingResponse).
		From(AwaitingResponse, OfferPending, CounterOfferPending).On(evVendorReply).
		If(replyIs(KindAgreement), Agreed).
		ElseIf(replyIs(KindCounterOffer), CounterOfferPending).
		ElseIf(replyIs(KindOffer), OfferPending).
		ElseIf(tableIs(KindCounterOffer), CounterOfferPending).
		ElseIf(tableIs(KindOffer), OfferPending).
		Else(AwaitingResponse).
		From(open...).On(evAccept).
		Guard(offerOnTable, offerFresh).
		To(Agreed).
		Activity(acceptOnTable).
		From(open...).On(evSkip).To(Agreed).
		Activity(skipAtListed).
		From(open...).On(evAbandon).To(Abandoned).
		OnEnter(Agreed, conclude).
		OnEnter(Abandoned, abandoned).
		Build()
}

func replyIs(k Kind) fsm.Condition[*Session] {
	return func(_ context.Context, s *Session) bool { return s.reply != nil && s.reply.Kind == k }
}

func tableIs(k Kind) fsm.Condition[*Session] {
	return func(_ context.Context, s *Session) bool { return s.onTable != nil && s.onTable.Kind == k }
}

func offerOnTable(_ context.Context, s *Session) error {
	if s.onTable == nil {
		return market.Violation("negotiation.accept", "no vendor offer on the table")
	}
	return nil
}

func offerFresh(_ context.Context, s *Session) error {
	now := s.clock.Now()
	if t := s.onTable.Terms; t.Expired(now) {
		return &market.StaleOfferError{OfferID: s.onTable.ID, ExpiresAt: t.ExpiresAt, Now: now}
	}
	return nil
}

func acceptOnTable(_ context.Context, s *Session) error {
	s.closing = &closing{price: *s.onTable.Terms, source: market.AgreementNegotiated}
	return nil
}

func skipAtListed(_ context.Context, s *Session) error {
	s.closing = &closing{price: Terms{Price: s.offer.Price, Quantity: 1}, source: market.AgreementSkipped}
	return nil
}

// conclude runs on entry to Agreed.
func conclude(_ context.Context, s *Session) error {
	s.cancelPending()
	a, err := market.NewAgreement(s.item, &s.offer, s.closing.price.Price, s.closing.source, s.clock.Now())
	if err != nil {
		return err
	}
	if q := s.closing.price.Quantity; q > 0 {
		a.Quantity = q
	}
	a.Conditions = append([]string(nil), s.closing.price.Conditions...)
	s.agreement = a

	if s.closing.source == market.AgreementNegotiated {
		s.append(Message{Sender: Buyer, Kind: KindAgreement,
			Content: fmt.Sprintf("Accepted at %s.", a.AgreedPrice),
			Terms:   &Terms{Price: a.AgreedPrice, Quantity: a.Quantity, Conditions: a.Conditions}})
	}
	s.exec.Cancel()
	s.logger.Info("negotiation agreed",
		zap.String("agreement", a.ID),
		zap.Stringer("price", a.AgreedPrice),
		zap.String("source", string(a.Source)))
	s.onEvent(EventAgreed{Agreement: a})
	return nil
}

func abandoned(_ context.Context, s *Session) error {
	s.cancelPending()
	s.exec.Cancel()
	s.logger.Info("negotiation abandoned")
	s.onEvent(EventAbandoned{Reason: "buyer closed the session"})
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Offer returns the vendor offer under negotiation.
func (s *Session) Offer() market.VendorOffer { return s.offer }

// State returns the current state.
func (s *Session) State() State { return s.exec.Current() }

// Messages returns a copy of the message log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// CurrentOffer returns the vendor's standing offer.
func (s *Session) CurrentOffer() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onTable == nil {
		return Message{}, false
	}
	return s.onTable.clone(), true
}

// Agreement returns the agreement once the session is Agreed.
func (s *Session) Agreement() (*market.Agreement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agreement, s.agreement != nil
}

// PendingReplies returns the number of vendor replies still scheduled.
func (s *Session) PendingReplies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SendText appends a buyer chat message.
func (s *Session) SendText(ctx context.Context, text string) error {
	if text == "" {
		return market.Invalid("text", "must not be empty")
	}
	return s.buyerMessage(ctx, Message{Sender: Buyer, Kind: KindText, Content: text})
}

// SendMedia appends a buyer photo or attachment reference.
func (s *Session) SendMedia(ctx context.Context, ref string) error {
	if ref == "" {
		return market.Invalid("media", "must not be empty")
	}
	return s.buyerMessage(ctx, Message{Sender: Buyer, Kind: KindMedia, Content: ref})
}

// MakeOffer proposes a price to the vendor.
func (s *Session) MakeOffer(ctx context.Context, terms OfferTerms) error {
	return s.propose(ctx, KindOffer, terms)
}

// Counter answers the vendor's standing offer with another price.
func (s *Session) Counter(ctx context.Context, terms OfferTerms) error {
	return s.propose(ctx, KindCounterOffer, terms)
}

func (s *Session) propose(ctx context.Context, kind Kind, terms OfferTerms) error {
	if terms.Price <= 0 {
		return market.Invalid("price", "must be positive")
	}
	if terms.Quantity < 0 {
		return market.Invalid("quantity", "must not be negative")
	}
	if terms.Quantity == 0 {
		terms.Quantity = 1
	}
	content := terms.Note
	if content == "" {
		content = fmt.Sprintf("Would you take %s?", terms.Price)
	}
	return s.buyerMessage(ctx, Message{
		Sender:  Buyer,
		Kind:    kind,
		Content: content,
		Terms: &Terms{
			Price:      terms.Price,
			Quantity:   terms.Quantity,
			Conditions: append([]string(nil), terms.Conditions...),
			ExpiresAt:  s.clock.Now().Add(s.offerTTL),
		},
	})
}

func (s *Session) buyerMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Kind == KindCounterOffer && s.onTable == nil {
		return market.Violation("negotiation.counter", "no vendor offer to counter")
	}
	if err := s.fire(ctx, evBuyerMessage); err != nil {
		return err
	}
	msg = s.append(msg)
	s.rounds++
	s.schedule(msg)
	return nil
}

// schedule must be called with s.mu held.
func (s *Session) schedule(msg Message) {
	id := msg.ID
	s.pending[id] = s.clock.AfterFunc(s.replyDelay, func() { s.vendorReply(id, msg) })
}

func (s *Session) vendorReply(id string, buyer Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[id]; !ok || s.exec.Cancelled() {
		s.logger.Debug("stale vendor reply ignored", zap.String("message", id))
		return
	}
	delete(s.pending, id)

	turn := Turn{Item: s.item, Offer: s.offer, Message: buyer.clone(), Round: s.rounds}
	if s.onTable != nil {
		t := *s.onTable.Terms
		turn.OnTable = &t
	}
	r := s.responder.Respond(turn)

	msg := Message{Sender: Vendor, Kind: r.Kind, Content: r.Content}
	switch r.Kind {
	case KindOffer, KindCounterOffer:
		msg.Terms = &Terms{Price: r.Price, Quantity: quantity(buyer), ExpiresAt: s.clock.Now().Add(s.offerTTL)}
	case KindAgreement:
		msg.Terms = &Terms{Price: r.Price, Quantity: quantity(buyer)}
		if buyer.Terms != nil {
			msg.Terms.Conditions = append([]string(nil), buyer.Terms.Conditions...)
		}
		s.closing = &closing{price: *msg.Terms, source: market.AgreementVendorAccepted}
	}

	msg = s.append(msg)
	if msg.Kind == KindOffer || msg.Kind == KindCounterOffer {
		s.onTable = &msg
	}

	s.reply = &msg
	err := s.fire(context.Background(), evVendorReply)
	s.reply = nil
	if err != nil {
		s.logger.Warn("vendor reply rejected", zap.Error(err))
	}
}

func quantity(m Message) int {
	if m.Terms != nil && m.Terms.Quantity > 0 {
		return m.Terms.Quantity
	}
	return 1
}

// Accept takes the vendor's standing offer. It fails with a
// *market.StaleOfferError once the offer has expired, leaving the session
// as it was.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fire(ctx, evAccept)
}

// Skip concludes at the vendor's listed price without negotiating.
func (s *Session) Skip(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fire(ctx, evSkip)
}

// Abandon closes the session without an agreement. It is a no-op once the
// session is over.
func (s *Session) Abandon(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec.Current().Terminal() {
		return nil
	}
	return s.fire(ctx, evAbandon)
}

// fire must be called with s.mu held.
func (s *Session) fire(ctx context.Context, ev fsm.Event) error {
	if s.exec.Current().Terminal() || s.exec.Cancelled() {
		return ErrClosed
	}
	err := s.exec.Fire(ctx, ev, s)
	if err != nil {
		s.logger.Debug("negotiation transition rejected", zap.String("event", string(ev)), zap.Error(err))
	}
	return err
}

// append stamps and stores msg. It must be called with s.mu held.
func (s *Session) append(msg Message) Message {
	msg.ID = market.NewID(market.PrefixMessage)
	msg.At = s.clock.Now()
	s.messages = append(s.messages, msg)
	s.onEvent(EventMessage{Message: msg.clone()})
	return msg
}

// cancelPending must be called with s.mu held.
func (s *Session) cancelPending() {
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
