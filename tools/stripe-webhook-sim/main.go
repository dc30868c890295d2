// Command stripe-webhook-sim posts a signed Stripe checkout event to a local
// booking service, so the payment confirmation path can be exercised without
// the Stripe CLI.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/serenitypath/sessionbook/libs/config"
	"github.com/serenitypath/sessionbook/libs/runtime"
)

func main() {
	_ = config.LoadDotEnv()
	var (
		baseURL    = flag.String("base-url", runtime.Getenv("BASE_URL", "http://localhost:8085"), "booking service base url")
		evtType    = flag.String("type", runtime.Getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		sessionID  = flag.String("session-id", runtime.Getenv("CHECKOUT_SESSION_ID", ""), "checkout session id returned by /public/checkout")
		checkoutID = flag.String("checkout-id", runtime.Getenv("CHECKOUT_ID", ""), "local checkout id (metadata)")
		secret     = flag.String("secret", runtime.Getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*sessionID) == "" {
		fatal("CHECKOUT_SESSION_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *sessionID, *checkoutID)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, eventType string, t time.Time, sessionID, checkoutID string) ([]byte, error) {
	session := map[string]any{
		"id":     sessionID,
		"object": "checkout.session",
		"mode":   "payment",
	}
	if checkoutID != "" {
		session["client_reference_id"] = checkoutID
		session["metadata"] = map[string]any{"checkout_id": checkoutID}
	}
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		session["status"] = "complete"
		session["payment_status"] = "paid"
	case "checkout.session.expired":
		session["status"] = "expired"
		session["payment_status"] = "unpaid"
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": session},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
