// Package handlers exposes the booking flows over HTTP: the public wizard,
// the admin dashboard API and the payment webhook.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serenitypath/sessionbook/libs/httpx"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/booking"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/calendar"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/catalog"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/metrics"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/payments"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/planner"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/storage"
)

// Bookings is implemented by *booking.Service.
type Bookings interface {
	StartCheckout(ctx context.Context, req booking.CheckoutRequest) (booking.CheckoutStarted, error)
	ConfirmCheckout(ctx context.Context, sessionID string) (booking.Result, error)
	BookWithPackage(ctx context.Context, req booking.BookRequest) (booking.Result, error)
	CreateSession(ctx context.Context, req booking.AdminSessionRequest) (booking.Result, error)
	CompleteSession(ctx context.Context, bookingID string) (booking.Result, error)
	CancelSession(ctx context.Context, bookingID, reason string) (booking.Result, error)
	CurrentPackage(ctx context.Context, email, serviceKey string) (ledger.Package, error)
	ListSessions(ctx context.Context, from, to time.Time, email string) ([]model.Booking, error)
	HandleProviderEvent(ctx context.Context, evt booking.ProviderEvent) (string, error)
}

// SlotLister is implemented by *planner.Planner.
type SlotLister interface {
	Slots(ctx context.Context, svc catalog.Service, day availability.CalendarDate, viewerTZ string, now time.Time) ([]availability.Slot, error)
}

type Config struct {
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	// AdminTimezone is the zone admin slot labels and date filters use.
	// Empty means the zone of the first catalog service.
	AdminTimezone string
}

type Handler struct {
	bookings      Bookings
	slots         SlotLister
	catalog       *catalog.Catalog
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	webhookSecret string
	webhookTol    time.Duration
	adminTZ       string
	adminLoc      *time.Location
}

func New(bookings Bookings, slots SlotLister, cat *catalog.Catalog, m *metrics.Metrics, logger *slog.Logger, cfg Config) (*Handler, error) {
	adminTZ := strings.TrimSpace(cfg.AdminTimezone)
	if adminTZ == "" {
		if list := cat.List(); len(list) > 0 {
			adminTZ = list[0].Slots.ServiceTimezone
		}
	}
	loc, err := time.LoadLocation(adminTZ)
	if err != nil {
		return nil, fmt.Errorf("%w: admin timezone %q: %v", availability.ErrInvalidConfiguration, adminTZ, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bookings:      bookings,
		slots:         slots,
		catalog:       cat,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
		webhookSecret: strings.TrimSpace(cfg.StripeWebhookSecret),
		webhookTol:    cfg.StripeWebhookTolerance,
		adminTZ:       adminTZ,
		adminLoc:      loc,
	}, nil
}

// Routes mounts the API. cors runs ahead of routing so browser preflights
// for POST-only routes are answered. public wraps the wizard and webhook
// routes (rate limiting). Either may be nil.
func (h *Handler) Routes(cors httpx.Middleware, public ...httpx.Middleware) http.Handler {
	r := chi.NewRouter()
	if cors != nil {
		r.Use(cors)
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			for _, m := range public {
				if m != nil {
					r.Use(m)
				}
			}
			r.Get("/public/services", h.Services)
			r.Get("/public/slots", h.PublicSlots)
			r.Post("/public/checkout", h.StartCheckout)
			r.Get("/public/checkout/status", h.CheckoutStatus)
			r.Post("/public/book", h.Book)
			r.Post("/webhooks/stripe", h.StripeWebhook)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Get("/sessions", h.ListSessions)
			r.Post("/sessions", h.CreateSession)
			r.Post("/sessions/{id}/complete", h.CompleteSession)
			r.Post("/sessions/{id}/cancel", h.CancelSession)
			r.Get("/clients/package", h.ClientPackage)
			r.Get("/slots", h.AdminSlots)
		})
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "invalid_request"})
}

// classify maps domain errors to an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, availability.ErrInvalidConfiguration):
		return http.StatusInternalServerError, "invalid_configuration"
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ledger.ErrNoSessionsRemaining):
		return http.StatusConflict, "no_sessions_remaining"
	case errors.Is(err, calendar.ErrAvailabilityUnknown):
		return http.StatusServiceUnavailable, "availability_unknown"
	case errors.Is(err, planner.ErrSlotUnavailable), errors.Is(err, storage.ErrSlotTaken):
		return http.StatusConflict, "slot_unavailable"
	case errors.Is(err, booking.ErrConcurrentUpdate), errors.Is(err, storage.ErrStaleVersion):
		return http.StatusConflict, "concurrent_update"
	case errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, booking.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, catalog.ErrUnknownService):
		return http.StatusNotFound, "unknown_service"
	case errors.Is(err, booking.ErrNoPackage):
		return http.StatusNotFound, "no_package"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, payments.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, booking.ErrPaymentPending):
		return http.StatusConflict, "payment_pending"
	case errors.Is(err, booking.ErrCheckoutExpired):
		return http.StatusGone, "checkout_expired"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	switch {
	case code == "invalid_state":
		msg = "package state is inconsistent; manual reconciliation required"
		h.logger.Error("package state invalid", "err", err, "request_id", httpx.RequestIDFromContext(r.Context()))
	case status >= 500:
		h.logger.Error("request failed",
			"err", err,
			"code", code,
			"path", r.URL.Path,
			"request_id", httpx.RequestIDFromContext(r.Context()),
		)
		if code == "internal" || code == "invalid_configuration" {
			msg = http.StatusText(status)
		}
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type clientBody struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (c clientBody) model() model.Client {
	return model.Client{Name: c.Name, Email: c.Email, Phone: c.Phone}
}

func parseStart(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, errors.New("start must be an RFC 3339 timestamp")
	}
	return t, nil
}
