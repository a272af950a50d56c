package market

import (
	"encoding/json"
	"time"

	"github.com/localmarket/dealflow/money"
)

// PaymentSelection is the chosen payment method.
type PaymentSelection struct {
	MethodID           string      `json:"method"`
	Fee                money.Cents `json:"fee"`
	RequiresProcessing bool        `json:"requiresProcessing"`
}

// SelectPayment captures a catalog method as a selection.
func SelectPayment(m PaymentMethod) PaymentSelection {
	return PaymentSelection{MethodID: m.ID, Fee: m.Fee, RequiresProcessing: m.RequiresProcessing}
}

// TransporterSelection is the chosen courier.
type TransporterSelection struct {
	ID         string      `json:"id"`
	Fee        money.Cents `json:"fee"`
	ETAMinutes int         `json:"etaMinutes"`
	DistanceKm float64     `json:"distanceKm"`
}

// SelectTransporter captures a catalog transporter as a selection.
func SelectTransporter(t Transporter) TransporterSelection {
	return TransporterSelection{ID: t.ID, Fee: t.Fee, ETAMinutes: t.ETAMinutes, DistanceKm: t.DistanceKm}
}

// DeliverySelection is the chosen delivery option and, when the option needs
// one, the transporter.
type DeliverySelection struct {
	OptionID    string
	Kind        DeliveryKind
	Price       money.Cents
	Transporter *TransporterSelection
}

// SelectDelivery captures a catalog option as a selection.
func SelectDelivery(o DeliveryOption) DeliverySelection {
	return DeliverySelection{OptionID: o.ID, Kind: o.Kind, Price: o.Price}
}

// TransporterFee is the courier fee counted towards the total: zero when the
// option does not take a transporter.
func (d DeliverySelection) TransporterFee() money.Cents {
	if d.Transporter == nil || !d.Kind.RequiresTransporter() {
		return 0
	}
	return d.Transporter.Fee
}

type deliveryJSON struct {
	Option         string       `json:"option"`
	Kind           DeliveryKind `json:"kind"`
	Price          money.Cents  `json:"price"`
	TransporterID  string       `json:"transporterId,omitempty"`
	TransporterFee *money.Cents `json:"transporterFee,omitempty"`
	ETAMinutes     int          `json:"etaMinutes,omitempty"`
	DistanceKm     float64      `json:"distanceKm,omitempty"`
}

// MarshalJSON flattens the transporter into the delivery object.
func (d DeliverySelection) MarshalJSON() ([]byte, error) {
	out := deliveryJSON{Option: d.OptionID, Kind: d.Kind, Price: d.Price}
	if t := d.Transporter; t != nil {
		fee := t.Fee
		out.TransporterID = t.ID
		out.TransporterFee = &fee
		out.ETAMinutes = t.ETAMinutes
		out.DistanceKm = t.DistanceKm
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (d *DeliverySelection) UnmarshalJSON(b []byte) error {
	var in deliveryJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*d = DeliverySelection{OptionID: in.Option, Kind: in.Kind, Price: in.Price}
	if in.TransporterID != "" {
		t := &TransporterSelection{ID: in.TransporterID, ETAMinutes: in.ETAMinutes, DistanceKm: in.DistanceKm}
		if in.TransporterFee != nil {
			t.Fee = *in.TransporterFee
		}
		d.Transporter = t
	}
	return nil
}

// RecordStatus is the lifecycle of a committed transaction.
type RecordStatus string

const (
	StatusConfirmed RecordStatus = "confirmed"
	StatusInTransit RecordStatus = "in_transit"
	StatusDelivered RecordStatus = "delivered"
	StatusCompleted RecordStatus = "completed"
	StatusCancelled RecordStatus = "cancelled"
)

// TransactionRecord is the finalized bundle handed to delivery tracking.
// It is created once, at checkout confirmation, and never mutated; status
// changes are tracked by the record store.
type TransactionRecord struct {
	ID           string            `json:"id"`
	Item         ItemRef           `json:"item"`
	Vendor       VendorRef         `json:"vendor"`
	AgreementID  string            `json:"agreementId"`
	AgreedPrice  money.Cents       `json:"agreedPrice"`
	Payment      PaymentSelection  `json:"payment"`
	Delivery     DeliverySelection `json:"delivery"`
	Address      string            `json:"address,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Total        money.Cents       `json:"total"`
	CreatedAt    time.Time         `json:"createdAt"`
	Status       RecordStatus      `json:"status"`
}

// Total adds the agreed price and every fee, in cents.
func Total(agreed money.Cents, p PaymentSelection, d DeliverySelection) money.Cents {
	return money.Sum(agreed, p.Fee, d.Price, d.TransporterFee())
}

// NewTransactionRecord assembles the record and computes its total. A record
// cannot exist without an agreement.
func NewTransactionRecord(a *Agreement, p PaymentSelection, d DeliverySelection, address, instructions string, at time.Time) (*TransactionRecord, error) {
	if a == nil {
		return nil, Violation("record.new", "no agreement")
	}
	if p.MethodID == "" {
		return nil, Invalid("payment", "no payment method selected")
	}
	if d.OptionID == "" {
		return nil, Invalid("delivery", "no delivery option selected")
	}
	if p.Fee < 0 || d.Price < 0 || d.TransporterFee() < 0 {
		return nil, Invalid("fees", "must not be negative")
	}
	if !d.Kind.RequiresTransporter() {
		d.Transporter = nil
	}
	if !d.Kind.RequiresAddress() {
		address = ""
	}
	return &TransactionRecord{
		ID:           NewID(PrefixTransaction),
		Item:         a.Item,
		Vendor:       a.Vendor,
		AgreementID:  a.ID,
		AgreedPrice:  a.AgreedPrice,
		Payment:      p,
		Delivery:     d,
		Address:      address,
		Instructions: instructions,
		Total:        Total(a.AgreedPrice, p, d),
		CreatedAt:    at.UTC(),
		Status:       StatusConfirmed,
	}, nil
}
