package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/booking"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/calendar"
)

type serviceItem struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	PriceCents   int64  `json:"price_cents"`
	Currency     string `json:"currency"`
	PackageSizes []int  `json:"package_sizes"`
	DurationMin  int    `json:"duration_minutes"`
	Timezone     string `json:"timezone"`
}

func (h *Handler) Services(w http.ResponseWriter, r *http.Request) {
	list := h.catalog.List()
	out := make([]serviceItem, 0, len(list))
	for _, s := range list {
		out = append(out, serviceItem{
			Key:          s.Key,
			Name:         s.Name,
			Description:  s.Description,
			PriceCents:   s.PriceCents,
			Currency:     s.Currency,
			PackageSizes: s.PackageSizes,
			DurationMin:  s.Slots.SlotDurationMinutes,
			Timezone:     s.Slots.ServiceTimezone,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

type slotsResponse struct {
	Service  string              `json:"service"`
	Date     string              `json:"date"`
	Timezone string              `json:"timezone"`
	Slots    []availability.Slot `json:"slots"`
}

func (h *Handler) PublicSlots(w http.ResponseWriter, r *http.Request) {
	h.serveSlots(w, r, strings.TrimSpace(r.URL.Query().Get("tz")))
}

func (h *Handler) AdminSlots(w http.ResponseWriter, r *http.Request) {
	h.serveSlots(w, r, h.adminTZ)
}

func (h *Handler) serveSlots(w http.ResponseWriter, r *http.Request, viewerTZ string) {
	q := r.URL.Query()
	svc, err := h.catalog.Lookup(strings.TrimSpace(q.Get("service")))
	if err != nil {
		h.metrics.ObserveSlotRequest("bad_request")
		h.writeError(w, r, err)
		return
	}
	day, err := availability.ParseDate(q.Get("date"))
	if err != nil {
		h.metrics.ObserveSlotRequest("bad_request")
		writeBadRequest(w, "date must be YYYY-MM-DD")
		return
	}
	if viewerTZ == "" {
		viewerTZ = svc.Slots.ServiceTimezone
	}
	if _, err := time.LoadLocation(viewerTZ); err != nil {
		h.metrics.ObserveSlotRequest("bad_request")
		writeBadRequest(w, "unknown timezone "+viewerTZ)
		return
	}

	slots, err := h.slots.Slots(r.Context(), svc, day, viewerTZ, h.now())
	if err != nil {
		if errors.Is(err, calendar.ErrAvailabilityUnknown) {
			h.metrics.ObserveSlotRequest("availability_unknown")
		} else {
			h.metrics.ObserveSlotRequest("error")
		}
		h.writeError(w, r, err)
		return
	}
	h.metrics.ObserveSlotRequest("ok")
	writeJSON(w, http.StatusOK, slotsResponse{
		Service:  svc.Key,
		Date:     day.String(),
		Timezone: viewerTZ,
		Slots:    slots,
	})
}

type checkoutBody struct {
	Service  string     `json:"service"`
	Quantity int        `json:"quantity"`
	Client   clientBody `json:"client"`
	Locale   string     `json:"locale"`
	Start    string     `json:"start"`
}

func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var body checkoutBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	start, err := parseStart(body.Start)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if body.Quantity == 0 {
		body.Quantity = 1
	}

	started, err := h.bookings.StartCheckout(r.Context(), booking.CheckoutRequest{
		ServiceKey: body.Service,
		Quantity:   body.Quantity,
		Client:     body.Client.model(),
		Locale:     localeFrom(r, body.Locale),
		Start:      start,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, started)
}

type checkoutStatusResponse struct {
	Status string `json:"status"`
	*booking.Result
}

// CheckoutStatus is polled by the return page. It confirms the checkout as
// soon as the payment provider reports it paid.
func (h *Handler) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeBadRequest(w, "session_id is required")
		return
	}
	res, err := h.bookings.ConfirmCheckout(r.Context(), sessionID)
	switch {
	case errors.Is(err, booking.ErrPaymentPending):
		writeJSON(w, http.StatusOK, checkoutStatusResponse{Status: "pending"})
	case errors.Is(err, booking.ErrCheckoutExpired):
		writeJSON(w, http.StatusOK, checkoutStatusResponse{Status: "expired"})
	case err != nil:
		h.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, checkoutStatusResponse{Status: "completed", Result: &res})
	}
}

type bookBody struct {
	Service      string     `json:"service"`
	Client       clientBody `json:"client"`
	PackageToken string     `json:"package_token"`
	Locale       string     `json:"locale"`
	Start        string     `json:"start"`
}

func (b bookBody) request(r *http.Request) (booking.BookRequest, error) {
	start, err := parseStart(b.Start)
	if err != nil {
		return booking.BookRequest{}, err
	}
	return booking.BookRequest{
		ServiceKey:   b.Service,
		Client:       b.Client.model(),
		PackageToken: b.PackageToken,
		Locale:       localeFrom(r, b.Locale),
		Start:        start,
	}, nil
}

// Book books a returning client's next session against their package.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var body bookBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	req, err := body.request(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	res, err := h.bookings.BookWithPackage(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// localeFrom prefers an explicit locale and falls back to the highest
// weighted Accept-Language tag.
func localeFrom(r *http.Request, explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}
