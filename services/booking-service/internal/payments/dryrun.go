package payments

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const dryRunPrefix = "dry_cs_"

// DryRun never talks to a payment processor. Every session it hands out
// reports itself paid, so the wizard can be exercised end to end locally.
type DryRun struct{}

func (DryRun) Name() string { return "dryrun" }

func (DryRun) CreateCheckout(_ context.Context, req CheckoutRequest) (CheckoutSession, error) {
	id := dryRunPrefix + req.CheckoutID
	if req.CheckoutID == "" {
		id = dryRunPrefix + uuid.NewString()
	}
	return CheckoutSession{
		ID:         id,
		URL:        withSessionID(req.SuccessURL, id),
		CheckoutID: req.CheckoutID,
		Paid:       false,
	}, nil
}

func (DryRun) GetCheckout(_ context.Context, id string) (CheckoutSession, error) {
	if !strings.HasPrefix(id, dryRunPrefix) {
		return CheckoutSession{}, ErrNotFound
	}
	return CheckoutSession{
		ID:         id,
		CheckoutID: strings.TrimPrefix(id, dryRunPrefix),
		Paid:       true,
	}, nil
}

// withSessionID fills Stripe's {CHECKOUT_SESSION_ID} placeholder, or adds a
// session_id query parameter when the URL has none.
func withSessionID(raw, id string) string {
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, sessionPlaceholder) {
		return strings.ReplaceAll(raw, sessionPlaceholder, id)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("session_id", id)
	u.RawQuery = q.Encode()
	return u.String()
}
