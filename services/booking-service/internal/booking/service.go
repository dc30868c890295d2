// Package booking runs the appointment flows: paying for a package through
// the wizard, booking further sessions against it, and the admin lifecycle
// of a session. Counter arithmetic comes from ledger; the conditional write
// that keeps the counter consistent comes from storage.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/libs/db"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/calendar"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/catalog"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/metrics"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/outbox"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/payments"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/storage"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConcurrentUpdate means the package kept changing under us and the
	// bounded retries ran out. The caller may try again.
	ErrConcurrentUpdate = errors.New("package updated concurrently")
	ErrNoPackage        = errors.New("no package found for client")
	ErrPaymentPending   = errors.New("payment not completed")
	ErrCheckoutExpired  = errors.New("checkout expired")
	// ErrInvalidTransition is returned for completing or cancelling a
	// session that is no longer booked.
	ErrInvalidTransition = errors.New("session is not in booked state")
)

const (
	WarningCalendarWriteFailed = "calendar write failed"
	WarningSlotTaken           = "slot no longer available; sessions kept on package"
)

const (
	SourceCheckout = "checkout"
	SourcePackage  = "package"
	SourceAdmin    = "admin"
)

// Store is the persistence the flows need. *storage.Repository implements it.
type Store interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
	Savepoint(ctx context.Context, tx pgx.Tx, fn func(pgx.Tx) error) error

	CreatePackage(ctx context.Context, tx pgx.Tx, np storage.NewPackage) (ledger.Package, error)
	ListPackagesByEmail(ctx context.Context, q db.Querier, email string) ([]ledger.Package, error)
	GetPackageByToken(ctx context.Context, q db.Querier, token string) (ledger.Package, error)
	GetPackage(ctx context.Context, q db.Querier, id string) (ledger.Package, error)
	DecrementPackage(ctx context.Context, tx pgx.Tx, id string, expectedVersion int64, newRemaining int) (int64, error)
	ReservePackage(ctx context.Context, tx pgx.Tx, id string, expectedVersion int64) (int64, error)

	CreateBooking(ctx context.Context, tx pgx.Tx, b *model.Booking) error
	GetBooking(ctx context.Context, id string) (model.Booking, error)
	GetBookingForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Booking, error)
	CountPendingUnconsumed(ctx context.Context, tx pgx.Tx, packageID string) (int, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkCancelled(ctx context.Context, tx pgx.Tx, id, reason string) error
	SetCalendarEventID(ctx context.Context, id, eventID string) error
	ListBookings(ctx context.Context, f storage.BookingFilter) ([]model.Booking, error)

	InsertCheckout(ctx context.Context, c *model.Checkout) error
	AttachCheckoutSession(ctx context.Context, id, providerSessionID string) error
	AbandonCheckout(ctx context.Context, id string) error
	GetCheckout(ctx context.Context, id string) (model.Checkout, error)
	GetCheckoutBySession(ctx context.Context, providerSessionID string) (model.Checkout, error)
	GetCheckoutBySessionForUpdate(ctx context.Context, tx pgx.Tx, providerSessionID string) (model.Checkout, error)
	CompleteCheckout(ctx context.Context, tx pgx.Tx, id, packageID, bookingID string) error
	ExpireCheckout(ctx context.Context, tx pgx.Tx, providerSessionID string) error

	InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt storage.ProviderEvent) error
	InsertAuditEvent(ctx context.Context, tx pgx.Tx, evt storage.AuditEvent) error
}

type OutboxWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// SlotChecker confirms a requested start is one of the open slots.
type SlotChecker interface {
	CheckBookable(ctx context.Context, svc catalog.Service, start, now time.Time) (availability.Slot, error)
}

type Deps struct {
	Store    Store
	Outbox   OutboxWriter
	Catalog  *catalog.Catalog
	Slots    SlotChecker
	Payments payments.Provider
	Calendar calendar.Writer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type Config struct {
	SuccessURL string
	CancelURL  string
	// MaxAttempts bounds how often a booking is retried after losing a
	// race on the package version.
	MaxAttempts     int
	CalendarTimeout time.Duration
}

type Service struct {
	store    Store
	outbox   OutboxWriter
	catalog  *catalog.Catalog
	slots    SlotChecker
	payments payments.Provider
	calendar calendar.Writer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
}

func New(d Deps, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CalendarTimeout <= 0 {
		cfg.CalendarTimeout = 10 * time.Second
	}
	if d.Calendar == nil {
		d.Calendar = calendar.Disabled{}
	}
	if d.Payments == nil {
		d.Payments = payments.DryRun{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:    d.Store,
		outbox:   d.Outbox,
		catalog:  d.Catalog,
		slots:    d.Slots,
		payments: d.Payments,
		calendar: d.Calendar,
		metrics:  d.Metrics,
		logger:   d.Logger,
		now:      d.Now,
		cfg:      cfg,
	}
}

// Result is what a booking flow returns. Warnings carry failures that did
// not undo the booking, such as a calendar event that could not be written.
type Result struct {
	Booking          *model.Booking `json:"booking,omitempty"`
	Package          ledger.Package `json:"package"`
	Warnings         []string       `json:"warnings,omitempty"`
	AlreadyConfirmed bool           `json:"already_confirmed,omitempty"`
}
