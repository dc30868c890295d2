package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutAsyncPaid = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired   = "checkout.session.expired"
)

// VerifyWebhook checks the Stripe-Signature header and decodes the event.
// A non-positive tolerance uses five minutes.
func VerifyWebhook(body []byte, signature, secret string, tolerance time.Duration) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, ErrNotConfigured
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	evt, err := webhook.ConstructEventWithOptions(body, signature, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return evt, nil
}
