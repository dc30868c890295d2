package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/calendar"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/catalog"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/outbox"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/storage"
)

type bookArgs struct {
	svc     catalog.Service
	pkg     ledger.Package
	client  model.Client
	locale  string
	slot    availability.Slot
	consume bool
	source  string
}

// bookSession plans the next session of a.pkg, writes the decremented
// counter when a.consume is set, and stores the appointment. Sessions booked
// earlier for consumption on completion still hold their place, so they are
// subtracted before planning. Everything happens inside tx so a failure
// leaves the counter untouched.
func (s *Service) bookSession(ctx context.Context, tx pgx.Tx, a bookArgs) (model.Booking, ledger.Package, error) {
	pending, err := s.store.CountPendingUnconsumed(ctx, tx, a.pkg.ID)
	if err != nil {
		return model.Booking{}, ledger.Package{}, err
	}
	open := a.pkg
	open.RemainingSessions = max(a.pkg.RemainingSessions-pending, 0)
	cons, err := ledger.Plan(open, a.svc.Name, a.locale)
	if err != nil {
		return model.Booking{}, ledger.Package{}, err
	}

	pkg := a.pkg
	if a.consume {
		remaining := ledger.Decrement(pkg.RemainingSessions)
		version, err := s.store.DecrementPackage(ctx, tx, pkg.ID, pkg.Version, remaining)
		if err != nil {
			return model.Booking{}, ledger.Package{}, err
		}
		pkg.Version = version
		pkg.RemainingSessions = remaining
	} else {
		version, err := s.store.ReservePackage(ctx, tx, pkg.ID, pkg.Version)
		if err != nil {
			return model.Booking{}, ledger.Package{}, err
		}
		pkg.Version = version
	}

	b := model.Booking{
		PackageID:          pkg.ID,
		ServiceKey:         a.svc.Key,
		BaseServiceName:    a.svc.Name,
		Label:              cons.Label,
		Locale:             a.locale,
		Client:             a.client,
		StartTime:          a.slot.Start,
		EndTime:            a.slot.End,
		SessionNumber:      cons.SessionNumber,
		PurchasedQuantity:  pkg.PurchasedQuantity,
		RemainingAtBooking: cons.RemainingBefore,
		SessionConsumed:    a.consume,
		Status:             model.StatusBooked,
	}
	if err := s.store.CreateBooking(ctx, tx, &b); err != nil {
		return model.Booking{}, ledger.Package{}, err
	}

	if err := s.emit(ctx, tx, outbox.TypeSessionBooked, "booking", b.ID, sessionPayload(b, pkg, a.source)); err != nil {
		return model.Booking{}, ledger.Package{}, err
	}
	if err := s.store.InsertAuditEvent(ctx, tx, storage.AuditEvent{
		Action:    "booking.session.booked",
		ActorType: a.source,
		ActorID:   a.client.Email,
		EntityID:  b.ID,
		Metadata: map[string]any{
			"package_id":         pkg.ID,
			"session_number":     b.SessionNumber,
			"remaining_sessions": pkg.RemainingSessions,
		},
	}); err != nil {
		return model.Booking{}, ledger.Package{}, err
	}
	return b, pkg, nil
}

// withRetry reruns fn while it loses the optimistic race on a package
// version, up to cfg.MaxAttempts times.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := fn()
		if !errors.Is(err, storage.ErrStaleVersion) {
			if err == nil {
				s.metrics.ObserveDecrement("ok")
			}
			return err
		}
		s.metrics.ObserveDecrement("stale")
		s.logger.Info("package version stale, retrying", "attempt", attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	s.metrics.ObserveDecrement("exhausted")
	return fmt.Errorf("%w after %d attempts", ErrConcurrentUpdate, s.cfg.MaxAttempts)
}

// findPackage resolves the package a returning client books against. With
// a token the package is addressed directly; otherwise the current package
// for the client's email and service is chosen.
func (s *Service) findPackage(ctx context.Context, tx pgx.Tx, serviceKey, email, token string) (ledger.Package, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if token = strings.TrimSpace(token); token != "" {
		p, err := s.store.GetPackageByToken(ctx, tx, token)
		if err != nil {
			if storage.IsNotFound(err) {
				return ledger.Package{}, ErrNoPackage
			}
			return ledger.Package{}, err
		}
		if p.ServiceKey != serviceKey || (email != "" && p.ClientEmail != email) {
			return ledger.Package{}, ErrNoPackage
		}
		return p, nil
	}

	all, err := s.store.ListPackagesByEmail(ctx, tx, email)
	if err != nil {
		return ledger.Package{}, err
	}
	mine := all[:0:0]
	for _, p := range all {
		if p.ServiceKey == serviceKey {
			mine = append(mine, p)
		}
	}
	p, ok := ledger.SelectCurrent(mine)
	if !ok {
		return ledger.Package{}, ErrNoPackage
	}
	return p, nil
}

// writeCalendar records a committed booking on the practitioner's calendar.
// Failure never undoes the booking; it comes back as a warning.
func (s *Service) writeCalendar(ctx context.Context, b *model.Booking, svc catalog.Service) []string {
	if b == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CalendarTimeout)
	defer cancel()

	eventID, err := s.calendar.CreateEvent(ctx, calendar.Event{
		Title:         b.Label,
		Description:   fmt.Sprintf("%s (%s)", b.Client.Name, b.Client.Email),
		Start:         b.StartTime,
		End:           b.EndTime,
		Timezone:      svc.Slots.ServiceTimezone,
		AttendeeName:  b.Client.Name,
		AttendeeEmail: b.Client.Email,
	})
	if err != nil {
		s.metrics.ObserveCalendarWriteFailure()
		s.logger.Warn("calendar event not created", "err", err, "booking_id", b.ID)
		return []string{WarningCalendarWriteFailed}
	}
	if eventID == "" {
		return nil
	}
	b.CalendarEventID = eventID
	if err := s.store.SetCalendarEventID(ctx, b.ID, eventID); err != nil {
		s.logger.Warn("calendar event id not saved", "err", err, "booking_id", b.ID, "event_id", eventID)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, eventType, aggregateType, aggregateID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	})
}

type sessionEvent struct {
	BookingID         string    `json:"booking_id"`
	PackageID         string    `json:"package_id"`
	ServiceKey        string    `json:"service_key"`
	Label             string    `json:"label"`
	SessionNumber     int       `json:"session_number"`
	PurchasedQuantity int       `json:"purchased_quantity"`
	RemainingSessions int       `json:"remaining_sessions"`
	ClientEmail       string    `json:"client_email"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	Status            string    `json:"status"`
	Source            string    `json:"source,omitempty"`
}

func sessionPayload(b model.Booking, pkg ledger.Package, source string) sessionEvent {
	return sessionEvent{
		BookingID:         b.ID,
		PackageID:         pkg.ID,
		ServiceKey:        b.ServiceKey,
		Label:             b.Label,
		SessionNumber:     b.SessionNumber,
		PurchasedQuantity: b.PurchasedQuantity,
		RemainingSessions: pkg.RemainingSessions,
		ClientEmail:       b.Client.Email,
		StartTime:         b.StartTime.UTC(),
		EndTime:           b.EndTime.UTC(),
		Status:            b.Status,
		Source:            source,
	}
}

type packageEvent struct {
	PackageID         string `json:"package_id"`
	ServiceKey        string `json:"service_key"`
	ClientEmail       string `json:"client_email"`
	PurchasedQuantity int    `json:"purchased_quantity"`
	Source            string `json:"source"`
	CheckoutID        string `json:"checkout_id,omitempty"`
}

func (s *Service) lookupService(key string) (catalog.Service, error) {
	svc, err := s.catalog.Lookup(strings.TrimSpace(key))
	if err != nil {
		return catalog.Service{}, err
	}
	return svc, nil
}

func normalizeClient(c model.Client) (model.Client, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Name == "" {
		return model.Client{}, fmt.Errorf("%w: client name is required", ErrInvalidRequest)
	}
	addr, err := mail.ParseAddress(c.Email)
	if err != nil || addr.Address != c.Email {
		return model.Client{}, fmt.Errorf("%w: client email %q", ErrInvalidRequest, c.Email)
	}
	return c, nil
}

func normalizeLocale(locale string) string {
	return ledger.MatchLocale(locale).String()
}
