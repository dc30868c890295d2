package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/outbox"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/storage"
)

type BookRequest struct {
	ServiceKey   string
	Client       model.Client
	PackageToken string
	Locale       string
	Start        time.Time
}

// AdminSessionRequest is a session created by the practitioner. A positive
// NewPackageQuantity sells a new package on the spot; otherwise the client's
// current package is used. With ConsumeOnCompletion the counter is left
// alone until the session is marked completed.
type AdminSessionRequest struct {
	BookRequest
	NewPackageQuantity  int
	ConsumeOnCompletion bool
}

// BookWithPackage books the next session of a returning client's package.
func (s *Service) BookWithPackage(ctx context.Context, req BookRequest) (Result, error) {
	return s.book(ctx, req, 0, true, SourcePackage)
}

func (s *Service) CreateSession(ctx context.Context, req AdminSessionRequest) (Result, error) {
	if req.NewPackageQuantity < 0 {
		return Result{}, fmt.Errorf("%w: quantity must not be negative", ErrInvalidRequest)
	}
	return s.book(ctx, req.BookRequest, req.NewPackageQuantity, !req.ConsumeOnCompletion, SourceAdmin)
}

func (s *Service) book(ctx context.Context, req BookRequest, newQuantity int, consume bool, source string) (Result, error) {
	svc, err := s.lookupService(req.ServiceKey)
	if err != nil {
		return Result{}, err
	}
	client, err := normalizeClient(req.Client)
	if err != nil {
		return Result{}, err
	}
	locale := normalizeLocale(req.Locale)

	slot, err := s.slots.CheckBookable(ctx, svc, req.Start, s.now())
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = s.withRetry(ctx, func() error {
		res = Result{}
		return s.store.InTx(ctx, func(tx pgx.Tx) error {
			var (
				pkg ledger.Package
				err error
			)
			if newQuantity > 0 {
				pkg, err = s.store.CreatePackage(ctx, tx, storage.NewPackage{
					ClientName:  client.Name,
					ClientEmail: client.Email,
					ClientPhone: client.Phone,
					ServiceKey:  svc.Key,
					Quantity:    newQuantity,
					Token:       uuid.NewString(),
					Source:      storage.SourceAdmin,
				})
				if err != nil {
					return err
				}
				if err := s.emit(ctx, tx, outbox.TypePackagePurchased, "package", pkg.ID, packageEvent{
					PackageID:         pkg.ID,
					ServiceKey:        pkg.ServiceKey,
					ClientEmail:       pkg.ClientEmail,
					PurchasedQuantity: pkg.PurchasedQuantity,
					Source:            storage.SourceAdmin,
				}); err != nil {
					return err
				}
			} else {
				pkg, err = s.findPackage(ctx, tx, svc.Key, client.Email, req.PackageToken)
				if err != nil {
					return err
				}
			}

			b, after, err := s.bookSession(ctx, tx, bookArgs{
				svc:     svc,
				pkg:     pkg,
				client:  client,
				locale:  locale,
				slot:    slot,
				consume: consume,
				source:  source,
			})
			if err != nil {
				return err
			}
			res.Booking = &b
			res.Package = after
			return nil
		})
	})
	if err != nil {
		return Result{}, err
	}

	s.metrics.ObserveBooking(source)
	s.logger.Info("session booked",
		"booking_id", res.Booking.ID,
		"package_id", res.Package.ID,
		"session_number", res.Booking.SessionNumber,
		"remaining_sessions", res.Package.RemainingSessions,
		"source", source,
	)
	res.Warnings = append(res.Warnings, s.writeCalendar(ctx, res.Booking, svc)...)
	return res, nil
}

// CompleteSession marks a booked session completed. A session that has not
// consumed a package session yet consumes it now; one that already did is
// not charged twice.
func (s *Service) CompleteSession(ctx context.Context, bookingID string) (Result, error) {
	var res Result
	err := s.withRetry(ctx, func() error {
		res = Result{}
		return s.store.InTx(ctx, func(tx pgx.Tx) error {
			b, err := s.store.GetBookingForUpdate(ctx, tx, bookingID)
			if err != nil {
				return err
			}
			if b.Status != model.StatusBooked {
				return fmt.Errorf("%w: %s", ErrInvalidTransition, b.Status)
			}
			pkg, err := s.store.GetPackage(ctx, tx, b.PackageID)
			if err != nil {
				return err
			}
			if !b.SessionConsumed {
				// The place was held at booking; only the counter moves now.
				if pkg.RemainingSessions <= 0 {
					return ledger.ErrNoSessionsRemaining
				}
				remaining := ledger.Decrement(pkg.RemainingSessions)
				version, err := s.store.DecrementPackage(ctx, tx, pkg.ID, pkg.Version, remaining)
				if err != nil {
					return err
				}
				pkg.Version = version
				pkg.RemainingSessions = remaining
			}

			at := s.now().UTC()
			if err := s.store.MarkCompleted(ctx, tx, b.ID, at); err != nil {
				return err
			}
			b.Status = model.StatusCompleted
			b.SessionConsumed = true
			b.CompletedAt = &at

			if err := s.emit(ctx, tx, outbox.TypeSessionCompleted, "booking", b.ID, sessionPayload(b, pkg, SourceAdmin)); err != nil {
				return err
			}
			if err := s.store.InsertAuditEvent(ctx, tx, storage.AuditEvent{
				Action:    "booking.session.completed",
				ActorType: SourceAdmin,
				EntityID:  b.ID,
				Metadata:  map[string]any{"package_id": pkg.ID, "remaining_sessions": pkg.RemainingSessions},
			}); err != nil {
				return err
			}
			res.Booking = &b
			res.Package = pkg
			return nil
		})
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// CancelSession frees the slot. The package counter is never given back.
func (s *Service) CancelSession(ctx context.Context, bookingID, reason string) (Result, error) {
	var res Result
	err := s.store.InTx(ctx, func(tx pgx.Tx) error {
		b, err := s.store.GetBookingForUpdate(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != model.StatusBooked {
			return fmt.Errorf("%w: %s", ErrInvalidTransition, b.Status)
		}
		if err := s.store.MarkCancelled(ctx, tx, b.ID, reason); err != nil {
			return err
		}
		b.Status = model.StatusCancelled

		pkg, err := s.store.GetPackage(ctx, tx, b.PackageID)
		if err != nil {
			return err
		}
		if err := s.emit(ctx, tx, outbox.TypeSessionCancelled, "booking", b.ID, sessionPayload(b, pkg, SourceAdmin)); err != nil {
			return err
		}
		if err := s.store.InsertAuditEvent(ctx, tx, storage.AuditEvent{
			Action:    "booking.session.cancelled",
			ActorType: SourceAdmin,
			EntityID:  b.ID,
			Metadata:  map[string]any{"reason": strings.TrimSpace(reason)},
		}); err != nil {
			return err
		}
		res.Booking = &b
		res.Package = pkg
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// CurrentPackage is the package new bookings for email would draw from. An
// empty serviceKey considers every service.
func (s *Service) CurrentPackage(ctx context.Context, email, serviceKey string) (ledger.Package, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ledger.Package{}, fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}
	all, err := s.store.ListPackagesByEmail(ctx, nil, email)
	if err != nil {
		return ledger.Package{}, err
	}
	if serviceKey != "" {
		filtered := all[:0:0]
		for _, p := range all {
			if p.ServiceKey == serviceKey {
				filtered = append(filtered, p)
			}
		}
		all = filtered
	}
	p, ok := ledger.SelectCurrent(all)
	if !ok {
		return ledger.Package{}, ErrNoPackage
	}
	return p, nil
}

const maxListRange = 93 * 24 * time.Hour

func (s *Service) ListSessions(ctx context.Context, from, to time.Time, email string) ([]model.Booking, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: to must be after from", ErrInvalidRequest)
	}
	if to.Sub(from) > maxListRange {
		return nil, fmt.Errorf("%w: range longer than 93 days", ErrInvalidRequest)
	}
	out, err := s.store.ListBookings(ctx, storage.BookingFilter{From: from, To: to, ClientEmail: email})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Booking{}
	}
	return out, nil
}
