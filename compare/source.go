package compare

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

// OfferSource supplies the vendor offers for an item.
type OfferSource interface {
	Offers(ctx context.Context, item market.Item) ([]market.VendorOffer, error)
}

// OfferSourceFunc adapts a function to OfferSource.
type OfferSourceFunc func(ctx context.Context, item market.Item) ([]market.VendorOffer, error)

func (f OfferSourceFunc) Offers(ctx context.Context, item market.Item) ([]market.VendorOffer, error) {
	return f(ctx, item)
}

// Static always returns the same offers.
type Static []market.VendorOffer

func (s Static) Offers(context.Context, market.Item) ([]market.VendorOffer, error) {
	return append([]market.VendorOffer(nil), s...), nil
}

var vendorNames = []string{
	"Mama Akosua Provisions",
	"Kwame's Corner Shop",
	"Derby Avenue Traders",
	"Osu Fresh Market",
	"Lakeside Wholesale",
	"Nima Family Store",
	"Ridge Street Goods",
	"Harbour Mart",
}

var featurePool = []string{
	"free_returns",
	"same_day",
	"bulk_discount",
	"gift_wrap",
	"warranty",
	"cash_on_delivery",
}

// MockSource simulates nearby vendors. Offers are drawn from a seeded
// generator, so the same seed yields the same offers for the same item.
type MockSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMockSource returns a MockSource seeded with seed.
func NewMockSource(seed uint64) *MockSource {
	return &MockSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Offers returns between three and six offers priced around the item price.
func (m *MockSource) Offers(ctx context.Context, item market.Item) ([]market.VendorOffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if item.Price <= 0 {
		return nil, market.Invalid("item.price", "must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 3 + m.rng.IntN(4)
	names := append([]string(nil), vendorNames...)
	m.rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

	offers := make([]market.VendorOffer, 0, n)
	for i := 0; i < n; i++ {
		// 85% to 115% of the listed price.
		ratio := 0.85 + m.rng.Float64()*0.30
		price := money.Percent(item.Price, ratio)
		o := market.VendorOffer{
			VendorID:     fmt.Sprintf("vnd_%02d", i+1),
			VendorName:   names[i],
			Price:        price,
			DistanceKm:   roundTo(0.3+m.rng.Float64()*9.7, 1),
			Rating:       roundTo(3.0+m.rng.Float64()*2.0, 1),
			DeliveryTime: time.Duration(15+m.rng.IntN(12)*15) * time.Minute,
			InStock:      m.rng.Float64() < 0.85,
			Verified:     m.rng.Float64() < 0.6,
			Online:       m.rng.Float64() < 0.7,
			Fees:         money.Cents(m.rng.IntN(5)) * 50,
		}
		if m.rng.Float64() < 0.4 {
			orig := money.Percent(price, 1.1+m.rng.Float64()*0.2)
			o.OriginalPrice = &orig
		}
		for _, f := range featurePool {
			if m.rng.Float64() < 0.3 {
				o.Features = append(o.Features, f)
			}
		}
		offers = append(offers, o)
	}
	return offers, nil
}

func roundTo(f float64, digits int) float64 {
	p := 1.0
	for i := 0; i < digits; i++ {
		p *= 10
	}
	return float64(int64(f*p+0.5)) / p
}
