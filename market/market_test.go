package market_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleItem() market.Item {
	return market.Item{ID: "itm_1", Title: "Clay pot", Price: money.MustParse("10.00"), Image: "pot.jpg", InStock: true}
}

func sampleOffer() *market.VendorOffer {
	return &market.VendorOffer{VendorID: "v1", VendorName: "Ama's Pottery", Price: money.MustParse("10.00")}
}

func TestNewAgreement(t *testing.T) {
	a, err := market.NewAgreement(sampleItem(), sampleOffer(), money.MustParse("85.00"), market.AgreementSkipped, now)
	require.NoError(t, err)
	assert.Equal(t, money.Cents(8500), a.AgreedPrice)
	assert.Equal(t, "85.00", a.AgreedPrice.String())
	assert.True(t, strings.HasPrefix(a.ID, market.PrefixAgreement))
	assert.Equal(t, "v1", a.Vendor.ID)

	_, err = market.NewAgreement(sampleItem(), nil, 100, market.AgreementSkipped, now)
	require.ErrorIs(t, err, market.ErrInvariant)

	_, err = market.NewAgreement(sampleItem(), sampleOffer(), -1, market.AgreementSkipped, now)
	require.ErrorIs(t, err, market.ErrValidation)
}

func TestNewTransactionRecord_Total(t *testing.T) {
	a, err := market.NewAgreement(sampleItem(), sampleOffer(), money.MustParse("9.00"), market.AgreementNegotiated, now)
	require.NoError(t, err)

	pay := market.PaymentSelection{MethodID: "card", Fee: money.MustParse("2.50"), RequiresProcessing: true}
	del := market.DeliverySelection{
		OptionID:    "home",
		Kind:        market.DeliveryHome,
		Price:       money.MustParse("5.00"),
		Transporter: &market.TransporterSelection{ID: "t1", Fee: money.MustParse("4.50"), ETAMinutes: 30, DistanceKm: 4.2},
	}
	rec, err := market.NewTransactionRecord(a, pay, del, "12 Market Rd", "ring twice", now)
	require.NoError(t, err)
	assert.Equal(t, "21.00", rec.Total.String())
	assert.GreaterOrEqual(t, rec.Total, a.AgreedPrice)
	assert.Equal(t, market.StatusConfirmed, rec.Status)
}

func TestNewTransactionRecord_PickupDropsTransporterAndAddress(t *testing.T) {
	a, err := market.NewAgreement(sampleItem(), sampleOffer(), money.MustParse("9.00"), market.AgreementNegotiated, now)
	require.NoError(t, err)

	del := market.DeliverySelection{
		OptionID:    "pickup",
		Kind:        market.DeliveryPickup,
		Transporter: &market.TransporterSelection{ID: "t1", Fee: 450},
	}
	rec, err := market.NewTransactionRecord(a, market.PaymentSelection{MethodID: "cod"}, del, "ignored", "", now)
	require.NoError(t, err)
	assert.Nil(t, rec.Delivery.Transporter)
	assert.Empty(t, rec.Address)
	assert.Equal(t, money.Cents(900), rec.Total)
}

func TestNewTransactionRecord_RequiresAgreement(t *testing.T) {
	_, err := market.NewTransactionRecord(nil, market.PaymentSelection{MethodID: "card"}, market.DeliverySelection{OptionID: "x"}, "", "", now)
	require.ErrorIs(t, err, market.ErrInvariant)
}

func TestTransactionRecord_JSONLayout(t *testing.T) {
	a, err := market.NewAgreement(sampleItem(), sampleOffer(), money.MustParse("9.00"), market.AgreementNegotiated, now)
	require.NoError(t, err)
	rec, err := market.NewTransactionRecord(a,
		market.PaymentSelection{MethodID: "card", Fee: 250},
		market.DeliverySelection{OptionID: "home", Kind: market.DeliveryHome, Price: 500,
			Transporter: &market.TransporterSelection{ID: "t1", Fee: 450}},
		"12 Market Rd", "", now)
	require.NoError(t, err)

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	for _, key := range []string{"id", "item", "vendor", "payment", "delivery", "address", "total", "createdAt", "status"} {
		assert.Contains(t, doc, key)
	}
	assert.NotContains(t, doc, "instructions")
	assert.InDelta(t, 21.0, doc["total"], 1e-9)
	assert.Equal(t, "t1", doc["delivery"].(map[string]any)["transporterId"])
	assert.Equal(t, "card", doc["payment"].(map[string]any)["method"])
	assert.Equal(t, "Clay pot", doc["item"].(map[string]any)["title"])
	assert.Equal(t, "2026-03-01T12:00:00Z", doc["createdAt"])

	var back market.TransactionRecord
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, *rec, back)
}

func TestDeliveryStatus_JSONCarriesKilometres(t *testing.T) {
	st := market.DeliveryStatus{Stage: market.InTransit, At: now, ETAMinutes: 12, DistanceKm: 2.7}
	b, err := json.Marshal(st)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, 2.7, doc["distanceKm"])
	assert.NotContains(t, doc, "distanceMeters")

	var back market.DeliveryStatus
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, st.DistanceKm, back.DistanceKm)
	assert.Equal(t, market.InTransit, back.Stage)
}

func TestStages(t *testing.T) {
	stage := market.Preparing
	var seen []market.Stage
	for {
		seen = append(seen, stage)
		next, ok := stage.Next()
		if !ok {
			break
		}
		assert.Greater(t, next.Ordinal(), stage.Ordinal())
		stage = next
	}
	assert.Equal(t, market.Stages, seen)
	assert.True(t, stage.Terminal())
	assert.Equal(t, -1, market.Stage("lost").Ordinal())
}

func TestErrorTaxonomy(t *testing.T) {
	var ve *market.ValidationError
	err := market.Invalid("address", "required for home delivery")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "address", ve.Field)
	assert.False(t, errors.Is(err, market.ErrInvariant))

	stale := &market.StaleOfferError{OfferID: "msg_1", ExpiresAt: now.Add(-time.Second), Now: now}
	assert.ErrorIs(t, stale, market.ErrStaleOffer)
	assert.Contains(t, stale.Error(), "msg_1")

	iv := &market.InvariantViolation{Op: "goto", From: "comparison", To: "payment", Reason: "no agreement"}
	assert.ErrorIs(t, iv, market.ErrInvariant)
	assert.Equal(t, "goto comparison -> payment: no agreement", iv.Error())
}

func TestCatalogLookup(t *testing.T) {
	c := market.Catalog{
		PaymentMethods:  []market.PaymentMethod{{ID: "cod", Name: "Cash on delivery"}},
		DeliveryOptions: []market.DeliveryOption{{ID: "pickup", Kind: market.DeliveryPickup}},
		Transporters:    []market.Transporter{{ID: "t1"}},
	}
	_, ok := c.PaymentMethod("cod")
	assert.True(t, ok)
	_, ok = c.PaymentMethod("card")
	assert.False(t, ok)
	o, ok := c.DeliveryOption("pickup")
	require.True(t, ok)
	assert.False(t, o.Kind.RequiresAddress())
	assert.False(t, o.Kind.RequiresTransporter())
	_, ok = c.Transporter("t1")
	assert.True(t, ok)
}
