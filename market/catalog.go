package market

import "github.com/localmarket/dealflow/money"

// PaymentMethod is an entry in the payment catalog.
type PaymentMethod struct {
	ID                 string      `yaml:"id" json:"id"`
	Name               string      `yaml:"name" json:"name"`
	Fee                money.Cents `yaml:"fee" json:"fee"`
	RequiresProcessing bool        `yaml:"requires_processing" json:"requiresProcessing"`
}

// DeliveryKind classifies delivery options.
type DeliveryKind string

const (
	DeliveryHome    DeliveryKind = "home"
	DeliveryExpress DeliveryKind = "express"
	DeliveryPickup  DeliveryKind = "pickup"
)

// RequiresAddress reports whether the option delivers to the buyer.
func (k DeliveryKind) RequiresAddress() bool {
	return k == DeliveryHome || k == DeliveryExpress
}

// RequiresTransporter reports whether a transporter must be chosen.
func (k DeliveryKind) RequiresTransporter() bool {
	return k != DeliveryPickup
}

// DeliveryOption is an entry in the delivery catalog.
type DeliveryOption struct {
	ID    string       `yaml:"id" json:"id"`
	Name  string       `yaml:"name" json:"name"`
	Kind  DeliveryKind `yaml:"kind" json:"kind"`
	Price money.Cents  `yaml:"price" json:"price"`
}

// Transporter is a courier that can carry a delivery.
type Transporter struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Vehicle    string      `yaml:"vehicle" json:"vehicle"`
	Fee        money.Cents `yaml:"fee" json:"fee"`
	ETAMinutes int         `yaml:"eta_minutes" json:"etaMinutes"`
	DistanceKm float64     `yaml:"distance_km" json:"distanceKm"`
	Rating     float64     `yaml:"rating" json:"rating"`
}

// Catalog lists what the buyer can choose from during checkout.
type Catalog struct {
	PaymentMethods  []PaymentMethod  `yaml:"payment_methods" json:"paymentMethods"`
	DeliveryOptions []DeliveryOption `yaml:"delivery_options" json:"deliveryOptions"`
	Transporters    []Transporter    `yaml:"transporters" json:"transporters"`
}

// PaymentMethod looks up a payment method by id.
func (c Catalog) PaymentMethod(id string) (PaymentMethod, bool) {
	for _, m := range c.PaymentMethods {
		if m.ID == id {
			return m, true
		}
	}
	return PaymentMethod{}, false
}

// DeliveryOption looks up a delivery option by id.
func (c Catalog) DeliveryOption(id string) (DeliveryOption, bool) {
	for _, o := range c.DeliveryOptions {
		if o.ID == id {
			return o, true
		}
	}
	return DeliveryOption{}, false
}

// Transporter looks up a transporter by id.
func (c Catalog) Transporter(id string) (Transporter, bool) {
	for _, t := range c.Transporters {
		if t.ID == id {
			return t, true
		}
	}
	return Transporter{}, false
}
