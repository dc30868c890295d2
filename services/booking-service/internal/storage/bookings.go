package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
)

const bookingColumns = `id::text, package_id::text, service_key, base_service_name, label, locale,
	client_name, client_email, client_phone, start_time, end_time,
	session_number, purchased_quantity, remaining_at_booking, session_consumed, status,
	COALESCE(calendar_event_id, ''), completed_at, created_at`

func scanBooking(row scanner) (model.Booking, error) {
	var b model.Booking
	var completedAt *time.Time
	err := row.Scan(
		&b.ID,
		&b.PackageID,
		&b.ServiceKey,
		&b.BaseServiceName,
		&b.Label,
		&b.Locale,
		&b.Client.Name,
		&b.Client.Email,
		&b.Client.Phone,
		&b.StartTime,
		&b.EndTime,
		&b.SessionNumber,
		&b.PurchasedQuantity,
		&b.RemainingAtBooking,
		&b.SessionConsumed,
		&b.Status,
		&b.CalendarEventID,
		&completedAt,
		&b.CreatedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.CompletedAt = completedAt
	return b, nil
}

// CreateBooking inserts b and fills in its ID and CreatedAt. An overlapping
// non-cancelled booking yields ErrSlotTaken.
func (r *Repository) CreateBooking(ctx context.Context, tx pgx.Tx, b *model.Booking) error {
	if b.Status == "" {
		b.Status = model.StatusBooked
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO bookings
			(package_id, service_key, base_service_name, label, locale,
			 client_name, client_email, client_phone, start_time, end_time,
			 session_number, purchased_quantity, remaining_at_booking, session_consumed, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id::text, created_at
	`, b.PackageID, b.ServiceKey, b.BaseServiceName, b.Label, b.Locale,
		b.Client.Name, normalizeEmail(b.Client.Email), b.Client.Phone, b.StartTime, b.EndTime,
		b.SessionNumber, b.PurchasedQuantity, b.RemainingAtBooking, b.SessionConsumed, b.Status,
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		if IsConflict(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (r *Repository) GetBookingForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Booking, error) {
	b, err := scanBooking(tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return model.Booking{}, notFound(err)
	}
	return b, nil
}

func (r *Repository) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	b, err := scanBooking(r.conn.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, id))
	if err != nil {
		return model.Booking{}, notFound(err)
	}
	return b, nil
}

// MarkCompleted sets the booking completed and records that it consumed a session.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'completed',
			session_consumed = true,
			completed_at = $2,
			updated_at = now()
		WHERE id = $1 AND status = 'booked'
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkCancelled(ctx context.Context, tx pgx.Tx, id, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
			cancellation_reason = $2,
			cancelled_at = now(),
			updated_at = now()
		WHERE id = $1 AND status = 'booked'
	`, id, nullIfEmpty(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPendingUnconsumed counts booked sessions on a package whose session
// is taken only on completion. Each one holds a place in the package.
func (r *Repository) CountPendingUnconsumed(ctx context.Context, tx pgx.Tx, packageID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*)
		FROM bookings
		WHERE package_id = $1 AND status = 'booked' AND NOT session_consumed
	`, packageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending sessions: %w", err)
	}
	return n, nil
}

func (r *Repository) SetCalendarEventID(ctx context.Context, id, eventID string) error {
	_, err := r.conn.Exec(ctx, `
		UPDATE bookings
		SET calendar_event_id = $2,
			updated_at = now()
		WHERE id = $1
	`, id, eventID)
	return err
}

// ListBookedIntervals returns the time held by non-cancelled bookings that
// intersect [from, to).
func (r *Repository) ListBookedIntervals(ctx context.Context, from, to time.Time) ([]availability.Interval, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT start_time, end_time
		FROM bookings
		WHERE status <> 'cancelled'
			AND start_time < $2
			AND end_time > $1
		ORDER BY start_time ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Interval
	for rows.Next() {
		var iv availability.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type BookingFilter struct {
	From        time.Time
	To          time.Time
	ClientEmail string
	Limit       int
}

func (r *Repository) ListBookings(ctx context.Context, f BookingFilter) ([]model.Booking, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 200
	}
	rows, err := r.conn.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE start_time >= $1
			AND start_time < $2
			AND ($3 = '' OR client_email = $3)
		ORDER BY start_time ASC
		LIMIT $4
	`, f.From, f.To, normalizeEmail(f.ClientEmail), f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
