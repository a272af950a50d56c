package market

import (
	"time"

	"github.com/localmarket/dealflow/money"
)

// AgreementSource records how an agreement came about.
type AgreementSource string

const (
	// AgreementNegotiated: the buyer accepted a vendor offer or counter-offer.
	AgreementNegotiated AgreementSource = "negotiated"
	// AgreementVendorAccepted: the vendor accepted the buyer's offer.
	AgreementVendorAccepted AgreementSource = "vendor_accepted"
	// AgreementSkipped: negotiation was skipped at the listed price.
	AgreementSkipped AgreementSource = "skipped"
)

// Agreement is the vendor/item/price tuple a negotiation concludes with.
// It is immutable once created.
type Agreement struct {
	ID          string          `json:"id"`
	Vendor      VendorRef       `json:"vendor"`
	Item        ItemRef         `json:"item"`
	AgreedPrice money.Cents     `json:"agreedPrice"`
	Quantity    int             `json:"quantity"`
	Conditions  []string        `json:"conditions,omitempty"`
	Source      AgreementSource `json:"source"`
	At          time.Time       `json:"at"`
}

// NewAgreement builds an agreement for the selected offer. An agreement
// cannot exist without a vendor, and its price cannot be negative.
func NewAgreement(item Item, offer *VendorOffer, price money.Cents, source AgreementSource, at time.Time) (*Agreement, error) {
	if offer == nil || offer.VendorID == "" {
		return nil, Violation("agreement.new", "no vendor offer selected")
	}
	if price < 0 {
		return nil, Invalid("agreedPrice", "must not be negative")
	}
	return &Agreement{
		ID:          NewID(PrefixAgreement),
		Vendor:      offer.Vendor(),
		Item:        item.Ref(),
		AgreedPrice: price,
		Quantity:    1,
		Source:      source,
		At:          at,
	}, nil
}
