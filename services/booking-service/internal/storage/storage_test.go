package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
)

var pkgCols = []string{"id", "client_email", "service_key", "purchased_quantity", "remaining_sessions", "version", "purchased_at"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestCreatePackageStartsFull(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	purchased := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO packages").
		WithArgs("Ana", "ana@example.com", "", "individual", 4, "tok-1", SourceCheckout, "chk-1").
		WillReturnRows(mock.NewRows(pkgCols).AddRow("pkg-1", "ana@example.com", "individual", 4, 4, int64(1), purchased))
	mock.ExpectCommit()

	var pkgID string
	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		p, err := repo.CreatePackage(context.Background(), tx, NewPackage{
			ClientName:  "Ana",
			ClientEmail: " Ana@Example.com ",
			ServiceKey:  "individual",
			Quantity:    4,
			Token:       "tok-1",
			Source:      SourceCheckout,
			CheckoutID:  "chk-1",
		})
		if err != nil {
			return err
		}
		pkgID = p.ID
		assert.Equal(t, 4, p.RemainingSessions)
		assert.Equal(t, int64(1), p.Version)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", pkgID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPackagesByEmailNormalizes(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM packages").
		WithArgs("ana@example.com").
		WillReturnRows(mock.NewRows(pkgCols).
			AddRow("pkg-1", "ana@example.com", "individual", 4, 0, int64(5), now.Add(-48*time.Hour)).
			AddRow("pkg-2", "ana@example.com", "individual", 8, 8, int64(1), now))

	pkgs, err := repo.ListPackagesByEmail(context.Background(), nil, "ANA@example.com")
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "pkg-2", pkgs[1].ID)
	assert.Equal(t, 8, pkgs[1].PurchasedQuantity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPackageNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectQuery("FROM packages").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetPackage(context.Background(), nil, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestDecrementPackageBumpsVersion(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE packages").
		WithArgs("pkg-1", int64(3), 2).
		WillReturnRows(mock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		v, err := repo.DecrementPackage(context.Background(), tx, "pkg-1", 3, 2)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(4), v)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementPackageStaleVersion(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE packages").
		WithArgs("pkg-1", int64(3), 2).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		_, err := repo.DecrementPackage(context.Background(), tx, "pkg-1", 3, 2)
		return err
	})
	require.ErrorIs(t, err, ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func sampleBooking() *model.Booking {
	start := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)
	return &model.Booking{
		PackageID:          "pkg-1",
		ServiceKey:         "individual",
		BaseServiceName:    "Individual Therapy",
		Label:              "Individual Therapy - Session 2 of 4",
		Locale:             "en",
		Client:             model.Client{Name: "Ana", Email: "ana@example.com"},
		StartTime:          start,
		EndTime:            start.Add(time.Hour),
		SessionNumber:      2,
		PurchasedQuantity:  4,
		RemainingAtBooking: 3,
		SessionConsumed:    true,
	}
}

func bookingInsertArgs(b *model.Booking) []any {
	return []any{b.PackageID, b.ServiceKey, b.BaseServiceName, b.Label, b.Locale,
		b.Client.Name, b.Client.Email, b.Client.Phone, b.StartTime, b.EndTime,
		b.SessionNumber, b.PurchasedQuantity, b.RemainingAtBooking, b.SessionConsumed, model.StatusBooked}
}

func TestCreateBookingFillsID(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	b := sampleBooking()
	created := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bookings").
		WithArgs(bookingInsertArgs(b)...).
		WillReturnRows(mock.NewRows([]string{"id", "created_at"}).AddRow("bk-1", created))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		return repo.CreateBooking(context.Background(), tx, b)
	})
	require.NoError(t, err)
	assert.Equal(t, "bk-1", b.ID)
	assert.Equal(t, model.StatusBooked, b.Status)
	assert.Equal(t, created, b.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingOverlapIsSlotTaken(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	b := sampleBooking()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bookings").
		WithArgs(bookingInsertArgs(b)...).
		WillReturnError(&pgconn.PgError{Code: "23P01", Message: "conflicting key value violates exclusion constraint"})
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		return repo.CreateBooking(context.Background(), tx, b)
	})
	require.ErrorIs(t, err, ErrSlotTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedRequiresBookedStatus(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	at := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE bookings").
		WithArgs("bk-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		return repo.MarkCompleted(context.Background(), tx, "bk-1", at)
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBookedIntervals(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	from := time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC)
	to := from.Add(9 * time.Hour)

	mock.ExpectQuery("status <> 'cancelled'").
		WithArgs(from, to).
		WillReturnRows(mock.NewRows([]string{"start_time", "end_time"}).
			AddRow(from.Add(time.Hour), from.Add(2*time.Hour)))

	got, err := repo.ListBookedIntervals(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, from.Add(time.Hour), got[0].Start)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBookingsClampsLimit(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	mock.ExpectQuery("FROM bookings").
		WithArgs(from, to, "", 200).
		WillReturnRows(mock.NewRows([]string{"id"}))

	got, err := repo.ListBookings(context.Background(), BookingFilter{From: from, To: to, Limit: 10000})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertProviderEventDuplicate(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO provider_events").
		WithArgs("stripe", "evt_1", "checkout.session.completed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		return repo.InsertProviderEvent(context.Background(), tx, ProviderEvent{
			Provider:        "stripe",
			ProviderEventID: "evt_1",
			EventType:       "checkout.session.completed",
			Payload:         []byte(`{"id":"evt_1"}`),
		})
	})
	require.True(t, errors.Is(err, ErrDuplicateProviderEvent))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertProviderEventRejectsMalformedPayload(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		return repo.InsertProviderEvent(context.Background(), tx, ProviderEvent{Provider: "stripe", ProviderEventID: "evt_2", Payload: []byte("{")})
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountPendingUnconsumed(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("NOT session_consumed").
		WithArgs("pkg-1").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		n, err := repo.CountPendingUnconsumed(context.Background(), tx, "pkg-1")
		if err != nil {
			return err
		}
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReservePackageStaleVersion(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE packages").
		WithArgs("pkg-1", int64(3)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx pgx.Tx) error {
		_, err := repo.ReservePackage(context.Background(), tx, "pkg-1", 3)
		return err
	})
	require.ErrorIs(t, err, ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCheckoutWithoutProviderSession(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	start := time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC)
	c := &model.Checkout{
		ID:          "chk-1",
		Provider:    "stripe",
		ServiceKey:  "individual",
		Quantity:    4,
		AmountCents: 60000,
		Currency:    "usd",
		Client:      model.Client{Name: "Ana", Email: "Ana@Example.com"},
		Locale:      "en",
		SlotStart:   start,
		SlotEnd:     start.Add(time.Hour),
	}
	created := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO checkouts").
		WithArgs("chk-1", "stripe", nil, "individual", 4, int64(60000), "usd",
			"Ana", "ana@example.com", "", "en", c.SlotStart, c.SlotEnd, model.CheckoutPending).
		WillReturnRows(mock.NewRows([]string{"created_at"}).AddRow(created))

	require.NoError(t, repo.InsertCheckout(context.Background(), c))
	assert.Equal(t, created, c.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachCheckoutSessionRefusesOtherSession(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectExec("UPDATE checkouts").
		WithArgs("chk-1", "cs_test_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE checkouts").
		WithArgs("chk-1", "cs_test_2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.AttachCheckoutSession(context.Background(), "chk-1", "cs_test_1"))
	require.ErrorIs(t, repo.AttachCheckoutSession(context.Background(), "chk-1", "cs_test_2"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
