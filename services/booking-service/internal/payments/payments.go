// Package payments collects package purchases through a hosted checkout
// page. Stripe is the production provider; DryRun stands in for local runs.
package payments

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured = errors.New("payments not configured")
	ErrNotFound      = errors.New("checkout session not found")
)

const MetadataCheckoutID = "checkout_id"

type CheckoutRequest struct {
	// CheckoutID is our own id; it is sent as the client reference and in
	// metadata, and keys the idempotency of the provider call.
	CheckoutID    string
	ItemName      string
	Description   string
	UnitAmount    int64
	Quantity      int
	Currency      string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

func (r CheckoutRequest) Total() int64 {
	return r.UnitAmount * int64(r.Quantity)
}

type CheckoutSession struct {
	ID         string
	URL        string
	CheckoutID string
	Paid       bool
	Expired    bool
}

type Provider interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	GetCheckout(ctx context.Context, id string) (CheckoutSession, error)
}
