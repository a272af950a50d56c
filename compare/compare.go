// Package compare ranks and filters vendor offers for one item.
//
// The engine is stateless: Compare returns a new slice on every call and
// leaves its input untouched. Choosing an offer is an orchestrator action,
// not engine state.
package compare

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

// SortKey selects the ordering applied by Compare.
type SortKey string

const (
	// SortPrice orders by price, cheapest first.
	SortPrice SortKey = "price"
	// SortRating orders by rating, best first.
	SortRating SortKey = "rating"
	// SortDistance orders by distance, nearest first.
	SortDistance SortKey = "distance"
	// SortDeliveryTime orders by delivery time, fastest first.
	SortDeliveryTime SortKey = "delivery_time"
)

// SortKeys lists every supported key.
var SortKeys = []SortKey{SortPrice, SortRating, SortDistance, SortDeliveryTime}

// ParseSortKey validates s as a SortKey. The empty string means SortPrice.
func ParseSortKey(s string) (SortKey, error) {
	if s == "" {
		return SortPrice, nil
	}
	k := SortKey(s)
	if !slices.Contains(SortKeys, k) {
		return "", market.Invalid("sortKey", fmt.Sprintf("unknown sort key %q", s))
	}
	return k, nil
}

// Filters narrow the offer list. The zero value keeps everything.
type Filters struct {
	VerifiedOnly bool `json:"verifiedOnly"`
	OnlineOnly   bool `json:"onlineOnly"`
	InStockOnly  bool `json:"inStockOnly"`
}

func (f Filters) keep(o market.VendorOffer) bool {
	switch {
	case f.VerifiedOnly && !o.Verified:
		return false
	case f.OnlineOnly && !o.Online:
		return false
	case f.InStockOnly && !o.InStock:
		return false
	}
	return true
}

func comparator(key SortKey) func(a, b market.VendorOffer) int {
	switch key {
	case SortRating:
		return func(a, b market.VendorOffer) int { return cmp.Compare(b.Rating, a.Rating) }
	case SortDistance:
		return func(a, b market.VendorOffer) int { return cmp.Compare(a.DistanceKm, b.DistanceKm) }
	case SortDeliveryTime:
		return func(a, b market.VendorOffer) int { return cmp.Compare(a.DeliveryTime, b.DeliveryTime) }
	default:
		return func(a, b market.VendorOffer) int { return cmp.Compare(a.Price, b.Price) }
	}
}

// Compare filters offers and sorts the survivors by key. Offers with equal
// keys keep their input order. An empty input yields an empty, non-nil slice.
// Unknown keys sort by price.
func Compare(offers []market.VendorOffer, key SortKey, filters Filters) []market.VendorOffer {
	out := make([]market.VendorOffer, 0, len(offers))
	for _, o := range offers {
		if filters.keep(o) {
			out = append(out, o)
		}
	}
	slices.SortStableFunc(out, comparator(key))
	return out
}

// Best returns the first offer Compare would list, if any.
func Best(offers []market.VendorOffer, key SortKey, filters Filters) (market.VendorOffer, bool) {
	ranked := Compare(offers, key, filters)
	if len(ranked) == 0 {
		return market.VendorOffer{}, false
	}
	return ranked[0], true
}

// Savings is how much cheaper the offer is than its original price, never
// negative.
func Savings(o market.VendorOffer) money.Cents {
	if o.OriginalPrice == nil {
		return 0
	}
	return (*o.OriginalPrice - o.Price).NonNegative()
}

// Find returns the offer from vendorID.
func Find(offers []market.VendorOffer, vendorID string) (market.VendorOffer, bool) {
	i := slices.IndexFunc(offers, func(o market.VendorOffer) bool { return o.VendorID == vendorID })
	if i < 0 {
		return market.VendorOffer{}, false
	}
	return offers[i], true
}
