package negotiation

import (
	"fmt"

	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

// Turn is what a Responder sees when it answers a buyer message.
type Turn struct {
	Item    market.Item
	Offer   market.VendorOffer
	Message Message
	// OnTable is the vendor's standing offer, if any.
	OnTable *Terms
	// Round counts buyer messages so far, including this one.
	Round int
}

// Reply is a vendor answer. Price is meaningful for offers, counter-offers
// and agreements.
type Reply struct {
	Kind    Kind
	Content string
	Price   money.Cents
}

// Responder produces vendor replies. Implementations must be safe to call
// from clock callbacks.
type Responder interface {
	Respond(t Turn) Reply
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(t Turn) Reply

func (f ResponderFunc) Respond(t Turn) Reply { return f(t) }

// HaggleResponder is a deterministic vendor. It accepts any buyer price at or
// above FloorRatio of the listed price, counters lower prices halfway
// towards its standing price (never below the floor) and opens with
// OpeningDiscount off the listed price when the buyer just chats.
type HaggleResponder struct {
	FloorRatio      float64 `yaml:"floor_ratio"`
	OpeningDiscount float64 `yaml:"opening_discount"`
}

// DefaultHaggle accepts 90% of the listed price and opens 5% below it.
var DefaultHaggle = HaggleResponder{FloorRatio: 0.90, OpeningDiscount: 0.05}

func (h HaggleResponder) Respond(t Turn) Reply {
	listed := t.Offer.Price
	floor := money.Percent(listed, h.FloorRatio)

	switch t.Message.Kind {
	case KindOffer, KindCounterOffer:
		if t.Message.Terms == nil {
			break
		}
		bid := t.Message.Terms.Price
		if bid >= floor {
			return Reply{Kind: KindAgreement, Price: bid,
				Content: fmt.Sprintf("Deal. %s it is.", bid)}
		}
		standing := listed
		if t.OnTable != nil {
			standing = t.OnTable.Price
		}
		counter := (bid + standing) / 2
		if counter < floor {
			counter = floor
		}
		return Reply{Kind: KindCounterOffer, Price: counter,
			Content: fmt.Sprintf("I can't go that low. How about %s?", counter)}
	}

	if t.OnTable == nil {
		opening := (listed - money.Percent(listed, h.OpeningDiscount)).NonNegative()
		return Reply{Kind: KindOffer, Price: opening,
			Content: fmt.Sprintf("For you I can do %s.", opening)}
	}
	return Reply{Kind: KindText,
		Content: fmt.Sprintf("My offer of %s still stands.", t.OnTable.Price)}
}
