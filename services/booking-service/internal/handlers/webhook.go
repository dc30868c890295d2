package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/booking"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/payments"
)

const maxWebhookBody = 1 << 20

// StripeWebhook applies Stripe events. The signature is the only
// authentication.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stripe webhook not configured", Code: "not_configured"})
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		writeBadRequest(w, "missing Stripe-Signature header")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}

	evt, err := payments.VerifyWebhook(body, sig, h.webhookSecret, h.webhookTol)
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "err", err)
		writeBadRequest(w, "invalid signature")
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("payment provider event received", "provider", "stripe", "provider_event_id", evt.ID, "event_type", evtType)

	pe := booking.ProviderEvent{
		Provider: "stripe",
		ID:       evt.ID,
		Type:     evtType,
		Payload:  body,
	}
	if strings.HasPrefix(evtType, "checkout.session.") {
		sess, err := payments.SessionFromEvent(evt)
		if err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err, "provider_event_id", evt.ID)
			writeBadRequest(w, "invalid checkout session payload")
			return
		}
		pe.SessionID = sess.ID
	}

	status, err := h.bookings.HandleProviderEvent(r.Context(), pe)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}
