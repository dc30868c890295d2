package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/booking"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
)

// ListSessions returns sessions starting in [from, to). Bounds are RFC 3339
// timestamps or YYYY-MM-DD dates in the admin timezone; the default is the
// coming seven days.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	today := availability.DateOf(h.now(), h.adminLoc)

	from, err := h.parseBound(q.Get("from"), today)
	if err != nil {
		writeBadRequest(w, "invalid from: "+err.Error())
		return
	}
	to, err := h.parseBound(q.Get("to"), availability.DateOf(from, h.adminLoc).AddDays(7))
	if err != nil {
		writeBadRequest(w, "invalid to: "+err.Error())
		return
	}

	sessions, err := h.bookings.ListSessions(r.Context(), from, to, strings.TrimSpace(q.Get("email")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":     from.UTC().Format(time.RFC3339),
		"to":       to.UTC().Format(time.RFC3339),
		"timezone": h.adminTZ,
		"sessions": sessions,
	})
}

func (h *Handler) parseBound(raw string, fallback availability.CalendarDate) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback.At(0, h.adminLoc), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := availability.ParseDate(raw)
	if err != nil {
		return time.Time{}, errors.New("want RFC 3339 or YYYY-MM-DD")
	}
	return d.At(0, h.adminLoc), nil
}

type adminSessionBody struct {
	bookBody
	NewPackageQuantity  int  `json:"new_package_quantity"`
	ConsumeOnCompletion bool `json:"consume_on_completion"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body adminSessionBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid json body")
		return
	}
	req, err := body.request(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	res, err := h.bookings.CreateSession(r.Context(), booking.AdminSessionRequest{
		BookRequest:         req,
		NewPackageQuantity:  body.NewPackageQuantity,
		ConsumeOnCompletion: body.ConsumeOnCompletion,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.bookings.CompleteSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeBadRequest(w, "invalid json body")
			return
		}
	}
	res, err := h.bookings.CancelSession(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type clientPackageResponse struct {
	Package   ledger.Package `json:"package"`
	NextLabel string         `json:"next_label,omitempty"`
}

// ClientPackage shows the package a client's next booking would use and
// the label that booking would get.
func (h *Handler) ClientPackage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serviceKey := strings.TrimSpace(q.Get("service"))
	pkg, err := h.bookings.CurrentPackage(r.Context(), q.Get("email"), serviceKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := clientPackageResponse{Package: pkg}
	if svc, err := h.catalog.Lookup(pkg.ServiceKey); err == nil {
		if cons, err := ledger.Plan(pkg, svc.Name, localeFrom(r, q.Get("locale"))); err == nil {
			resp.NextLabel = cons.Label
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
