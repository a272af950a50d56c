package negotiation

import (
	"time"

	"github.com/localmarket/dealflow/money"
)

// Sender identifies who authored a message.
type Sender string

const (
	Buyer  Sender = "buyer"
	Vendor Sender = "vendor"
)

// Kind classifies a message.
type Kind string

const (
	KindText         Kind = "text"
	KindOffer        Kind = "offer"
	KindCounterOffer Kind = "counter_offer"
	KindAgreement    Kind = "agreement"
	KindMedia        Kind = "media"
)

// Terms are the price terms attached to offers, counter-offers and
// agreements.
type Terms struct {
	Price      money.Cents `json:"price"`
	Quantity   int         `json:"quantity"`
	Conditions []string    `json:"conditions,omitempty"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

// Expired reports whether the terms can no longer be accepted at now.
func (t Terms) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Message is one entry of the session log. Messages are append-only.
type Message struct {
	ID      string    `json:"id"`
	Sender  Sender    `json:"sender"`
	Kind    Kind      `json:"kind"`
	Content string    `json:"content"`
	At      time.Time `json:"timestamp"`
	Terms   *Terms    `json:"metadata,omitempty"`
}

func (m Message) clone() Message {
	if m.Terms != nil {
		t := *m.Terms
		t.Conditions = append([]string(nil), t.Conditions...)
		m.Terms = &t
	}
	return m
}

// OfferTerms is what the buyer proposes with MakeOffer or Counter.
type OfferTerms struct {
	Price      money.Cents
	Quantity   int
	Conditions []string
	Note       string
}
