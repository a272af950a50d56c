// Package market defines the data shared by the transaction workflow:
// the item being bought, vendor offers, agreements, payment and delivery
// selections, the finalized transaction record and delivery statuses.
package market

import (
	"time"

	"github.com/localmarket/dealflow/money"
)

// Item is the catalog entry being transacted. It is owned by the catalog
// and read-only here.
type Item struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Price    money.Cents `json:"price"`
	Image    string      `json:"image,omitempty"`
	Category string      `json:"category,omitempty"`
	InStock  bool        `json:"inStock"`
}

// Ref returns the summary persisted with a record.
func (i Item) Ref() ItemRef {
	return ItemRef{ID: i.ID, Title: i.Title, Price: i.Price, Image: i.Image}
}

// ItemRef is the item summary carried by agreements and records.
type ItemRef struct {
	ID    string      `json:"id"`
	Title string      `json:"title"`
	Price money.Cents `json:"price"`
	Image string      `json:"image,omitempty"`
}

// VendorRef identifies a vendor.
type VendorRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VendorOffer is one vendor's price and service terms for an item.
type VendorOffer struct {
	VendorID      string        `json:"vendorId"`
	VendorName    string        `json:"vendorName"`
	Price         money.Cents   `json:"price"`
	OriginalPrice *money.Cents  `json:"originalPrice,omitempty"`
	DistanceKm    float64       `json:"distanceKm"`
	Rating        float64       `json:"rating"`
	DeliveryTime  time.Duration `json:"deliveryTime"`
	InStock       bool          `json:"inStock"`
	Verified      bool          `json:"verified"`
	Online        bool          `json:"online"`
	Fees          money.Cents   `json:"fees"`
	Features      []string      `json:"features,omitempty"`
}

// Vendor returns the vendor reference of the offer.
func (o VendorOffer) Vendor() VendorRef {
	return VendorRef{ID: o.VendorID, Name: o.VendorName}
}
