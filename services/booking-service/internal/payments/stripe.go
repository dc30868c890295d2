package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	otelx "github.com/serenitypath/sessionbook/libs/otel"
)

const sessionPlaceholder = "{CHECKOUT_SESSION_ID}"

type StripeConfig struct {
	SecretKey string
	// BackendURL overrides the API base; tests point it at httptest.
	BackendURL string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Stripe struct {
	sessions *checkoutsession.Client
}

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, ErrNotConfigured
	}
	bc := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.BackendURL != "" {
		bc.URL = stripe.String(cfg.BackendURL)
		bc.MaxNetworkRetries = stripe.Int64(0)
	}
	if cfg.Logger != nil {
		bc.LeveledLogger = &slogLeveled{l: cfg.Logger}
	}
	return &Stripe{
		sessions: &checkoutsession.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, bc),
			Key: key,
		},
	}, nil
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	ctx, span := otelx.Tracer("payments").Start(ctx, "stripe.checkout.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.id", req.CheckoutID),
		attribute.Int("checkout.quantity", req.Quantity),
		attribute.Int64("checkout.amount_total", req.Total()),
	)

	if req.Quantity < 1 || req.UnitAmount <= 0 {
		return CheckoutSession{}, errors.New("checkout needs a positive quantity and amount")
	}

	successURL := req.SuccessURL
	if successURL != "" && !strings.Contains(successURL, sessionPlaceholder) {
		sep := "?"
		if strings.Contains(successURL, "?") {
			sep = "&"
		}
		successURL += sep + "session_id=" + sessionPlaceholder
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		ClientReferenceID: stripe.String(req.CheckoutID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.UnitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ItemName),
					},
				},
				Quantity: stripe.Int64(int64(req.Quantity)),
			},
		},
	}
	if req.Description != "" {
		params.LineItems[0].PriceData.ProductData.Description = stripe.String(req.Description)
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	params.AddMetadata(MetadataCheckoutID, req.CheckoutID)
	params.IdempotencyKey = stripe.String("checkout:" + req.CheckoutID)

	sess, err := s.sessions.New(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create checkout session")
		return CheckoutSession{}, err
	}
	return fromStripe(sess), nil
}

func (s *Stripe) GetCheckout(ctx context.Context, id string) (CheckoutSession, error) {
	ctx, span := otelx.Tracer("payments").Start(ctx, "stripe.checkout.get")
	defer span.End()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.sessions.Get(id, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return CheckoutSession{}, ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "get checkout session")
		return CheckoutSession{}, err
	}
	return fromStripe(sess), nil
}

// SessionFromEvent extracts the checkout session carried by a
// checkout.session.* webhook event.
func SessionFromEvent(evt stripe.Event) (CheckoutSession, error) {
	var sess stripe.CheckoutSession
	if evt.Data == nil {
		return CheckoutSession{}, errors.New("event has no data")
	}
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return CheckoutSession{}, err
	}
	return fromStripe(&sess), nil
}

func fromStripe(sess *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:         sess.ID,
		URL:        sess.URL,
		CheckoutID: sess.ClientReferenceID,
		Paid:       sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Expired:    sess.Status == stripe.CheckoutSessionStatusExpired,
	}
	if id := sess.Metadata[MetadataCheckoutID]; id != "" {
		out.CheckoutID = id
	}
	return out
}

// slogLeveled adapts slog to stripe's LeveledLoggerInterface.
type slogLeveled struct {
	l *slog.Logger
}

func (s *slogLeveled) Debugf(format string, v ...interface{}) {
	s.l.Debug("stripe", "msg", fmt.Sprintf(format, v...))
}
func (s *slogLeveled) Infof(format string, v ...interface{}) {
	s.l.Debug("stripe", "msg", fmt.Sprintf(format, v...))
}
func (s *slogLeveled) Warnf(format string, v ...interface{}) {
	s.l.Warn("stripe", "msg", fmt.Sprintf(format, v...))
}
func (s *slogLeveled) Errorf(format string, v ...interface{}) {
	s.l.Error("stripe", "msg", fmt.Sprintf(format, v...))
}
