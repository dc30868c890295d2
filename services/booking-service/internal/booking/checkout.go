package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/outbox"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/payments"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/storage"
)

type CheckoutRequest struct {
	ServiceKey string
	Quantity   int
	Client     model.Client
	Locale     string
	Start      time.Time
}

type CheckoutStarted struct {
	CheckoutID  string            `json:"checkout_id"`
	SessionID   string            `json:"session_id"`
	URL         string            `json:"url"`
	Label       string            `json:"label"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Slot        availability.Slot `json:"slot"`
}

// StartCheckout holds nothing: it checks the slot is open, remembers the
// order and opens a payment session for the package.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (CheckoutStarted, error) {
	svc, err := s.lookupService(req.ServiceKey)
	if err != nil {
		return CheckoutStarted{}, err
	}
	if !svc.OffersPackage(req.Quantity) {
		return CheckoutStarted{}, fmt.Errorf("%w: %s is not sold in packages of %d", ErrInvalidRequest, svc.Key, req.Quantity)
	}
	client, err := normalizeClient(req.Client)
	if err != nil {
		return CheckoutStarted{}, err
	}
	locale := normalizeLocale(req.Locale)

	slot, err := s.slots.CheckBookable(ctx, svc, req.Start, s.now())
	if err != nil {
		return CheckoutStarted{}, err
	}

	checkoutID := uuid.NewString()
	label := ledger.LabelForSession(svc.Name, req.Quantity, 1, locale)
	payReq := payments.CheckoutRequest{
		CheckoutID:    checkoutID,
		ItemName:      label,
		Description:   svc.Description,
		UnitAmount:    svc.PriceCents,
		Quantity:      req.Quantity,
		Currency:      svc.Currency,
		CustomerEmail: client.Email,
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
	}

	// The order exists before any provider session does.
	c := &model.Checkout{
		ID:          checkoutID,
		Provider:    s.payments.Name(),
		ServiceKey:  svc.Key,
		Quantity:    req.Quantity,
		AmountCents: payReq.Total(),
		Currency:    svc.Currency,
		Client:      client,
		Locale:      locale,
		SlotStart:   slot.Start,
		SlotEnd:     slot.End,
		Status:      model.CheckoutPending,
	}
	if err := s.store.InsertCheckout(ctx, c); err != nil {
		return CheckoutStarted{}, err
	}

	sess, err := s.payments.CreateCheckout(ctx, payReq)
	if err != nil {
		if aerr := s.store.AbandonCheckout(context.WithoutCancel(ctx), checkoutID); aerr != nil {
			s.logger.Warn("checkout not abandoned", "err", aerr, "checkout_id", checkoutID)
		}
		return CheckoutStarted{}, fmt.Errorf("create payment session: %w", err)
	}
	if err := s.store.AttachCheckoutSession(ctx, checkoutID, sess.ID); err != nil {
		return CheckoutStarted{}, fmt.Errorf("attach payment session: %w", err)
	}
	c.ProviderSessionID = sess.ID

	s.logger.Info("checkout started",
		"checkout_id", checkoutID,
		"provider", c.Provider,
		"service", svc.Key,
		"quantity", req.Quantity,
		"slot_start", slot.Start.UTC().Format(time.RFC3339),
	)
	return CheckoutStarted{
		CheckoutID:  checkoutID,
		SessionID:   sess.ID,
		URL:         sess.URL,
		Label:       label,
		AmountCents: c.AmountCents,
		Currency:    c.Currency,
		Slot:        slot,
	}, nil
}

// ConfirmCheckout turns a paid checkout into a package of N sessions and
// books its first session. The return page and the payment webhook may
// both call it; the second caller gets the stored outcome.
//
// If the slot was taken while the client was paying, the package is still
// created with every session available and the result carries
// WarningSlotTaken instead of a booking.
func (s *Service) ConfirmCheckout(ctx context.Context, sessionID string) (Result, error) {
	c, err := s.store.GetCheckoutBySession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	switch c.Status {
	case model.CheckoutCompleted:
		return s.confirmedResult(ctx, sessionID)
	case model.CheckoutExpired:
		return Result{}, ErrCheckoutExpired
	}

	paid, err := s.payments.GetCheckout(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("payment status: %w", err)
	}
	if paid.Expired {
		if err := s.ExpireCheckout(ctx, sessionID); err != nil {
			return Result{}, err
		}
		return Result{}, ErrCheckoutExpired
	}
	if !paid.Paid {
		return Result{}, ErrPaymentPending
	}

	svc, err := s.lookupService(c.ServiceKey)
	if err != nil {
		return Result{}, err
	}

	var res Result
	already := false
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		locked, err := s.store.GetCheckoutBySessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if locked.Status == model.CheckoutCompleted {
			already = true
			return nil
		}

		pkg, err := s.store.CreatePackage(ctx, tx, storage.NewPackage{
			ClientName:  c.Client.Name,
			ClientEmail: c.Client.Email,
			ClientPhone: c.Client.Phone,
			ServiceKey:  c.ServiceKey,
			Quantity:    c.Quantity,
			Token:       uuid.NewString(),
			Source:      storage.SourceCheckout,
			CheckoutID:  c.ID,
		})
		if err != nil {
			return err
		}
		if err := s.emit(ctx, tx, outbox.TypePackagePurchased, "package", pkg.ID, packageEvent{
			PackageID:         pkg.ID,
			ServiceKey:        pkg.ServiceKey,
			ClientEmail:       pkg.ClientEmail,
			PurchasedQuantity: pkg.PurchasedQuantity,
			Source:            storage.SourceCheckout,
			CheckoutID:        c.ID,
		}); err != nil {
			return err
		}
		res = Result{Package: pkg}

		err = s.store.Savepoint(ctx, tx, func(sp pgx.Tx) error {
			b, after, err := s.bookSession(ctx, sp, bookArgs{
				svc:     svc,
				pkg:     pkg,
				client:  c.Client,
				locale:  c.Locale,
				slot:    availability.Slot{Start: c.SlotStart, End: c.SlotEnd},
				consume: true,
				source:  SourceCheckout,
			})
			if err != nil {
				return err
			}
			res.Booking = &b
			res.Package = after
			return nil
		})
		switch {
		case errors.Is(err, storage.ErrSlotTaken):
			res.Booking = nil
			res.Package = pkg
			res.Warnings = append(res.Warnings, WarningSlotTaken)
		case err != nil:
			return err
		}

		bookingID := ""
		if res.Booking != nil {
			bookingID = res.Booking.ID
		}
		return s.store.CompleteCheckout(ctx, tx, c.ID, pkg.ID, bookingID)
	})
	if err != nil {
		return Result{}, err
	}
	if already {
		return s.confirmedResult(ctx, sessionID)
	}

	if res.Booking != nil {
		s.metrics.ObserveBooking(SourceCheckout)
		s.metrics.ObserveDecrement("ok")
	}
	s.logger.Info("checkout confirmed",
		"checkout_id", c.ID,
		"package_id", res.Package.ID,
		"booked", res.Booking != nil,
	)
	res.Warnings = append(res.Warnings, s.writeCalendar(ctx, res.Booking, svc)...)
	return res, nil
}

func (s *Service) confirmedResult(ctx context.Context, sessionID string) (Result, error) {
	c, err := s.store.GetCheckoutBySession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if c.PackageID == "" {
		return Result{}, fmt.Errorf("checkout %s completed without a package", c.ID)
	}
	pkg, err := s.store.GetPackage(ctx, nil, c.PackageID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Package: pkg, AlreadyConfirmed: true}
	if c.BookingID != "" {
		b, err := s.store.GetBooking(ctx, c.BookingID)
		if err != nil {
			return Result{}, err
		}
		res.Booking = &b
	} else {
		res.Warnings = []string{WarningSlotTaken}
	}
	return res, nil
}

// ExpireCheckout marks an abandoned checkout so a late return cannot
// confirm it.
func (s *Service) ExpireCheckout(ctx context.Context, sessionID string) error {
	return s.store.InTx(ctx, func(tx pgx.Tx) error {
		return s.store.ExpireCheckout(ctx, tx, sessionID)
	})
}

type ProviderEvent struct {
	Provider  string
	ID        string
	Type      string
	Payload   []byte
	SessionID string
}

// HandleProviderEvent applies a verified payment webhook. Confirmation is
// idempotent, so the event is recorded only after it has been applied and
// a redelivery after a failure is processed again.
func (s *Service) HandleProviderEvent(ctx context.Context, evt ProviderEvent) (string, error) {
	status := "ok"
	switch evt.Type {
	case payments.EventCheckoutCompleted, payments.EventCheckoutAsyncPaid:
		_, err := s.ConfirmCheckout(ctx, evt.SessionID)
		switch {
		case errors.Is(err, ErrPaymentPending):
			status = "pending"
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrCheckoutExpired):
			status = "ignored"
		case err != nil:
			return "", err
		}
	case payments.EventCheckoutExpired:
		if err := s.ExpireCheckout(ctx, evt.SessionID); err != nil {
			return "", err
		}
	default:
		status = "ignored"
	}

	err := s.store.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.InsertProviderEvent(ctx, tx, storage.ProviderEvent{
			Provider:        evt.Provider,
			ProviderEventID: evt.ID,
			EventType:       evt.Type,
			Payload:         evt.Payload,
		}); err != nil {
			return err
		}
		return s.store.InsertAuditEvent(ctx, tx, storage.AuditEvent{
			Action:    "booking.provider." + evt.Provider + ".webhook",
			ActorType: "provider",
			EntityID:  evt.SessionID,
			Metadata: map[string]any{
				"provider_event_id": evt.ID,
				"event_type":        evt.Type,
				"outcome":           status,
			},
		})
	})
	if errors.Is(err, storage.ErrDuplicateProviderEvent) {
		s.logger.Info("provider event duplicate ignored", "provider", evt.Provider, "provider_event_id", evt.ID)
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}
