package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
)

const checkoutColumns = `id::text, provider, COALESCE(provider_session_id, ''), service_key, quantity, amount_cents, currency,
	client_name, client_email, client_phone, locale, slot_start, slot_end, status,
	COALESCE(package_id::text, ''), COALESCE(booking_id::text, ''), created_at`

func scanCheckout(row scanner) (model.Checkout, error) {
	var c model.Checkout
	err := row.Scan(
		&c.ID,
		&c.Provider,
		&c.ProviderSessionID,
		&c.ServiceKey,
		&c.Quantity,
		&c.AmountCents,
		&c.Currency,
		&c.Client.Name,
		&c.Client.Email,
		&c.Client.Phone,
		&c.Locale,
		&c.SlotStart,
		&c.SlotEnd,
		&c.Status,
		&c.PackageID,
		&c.BookingID,
		&c.CreatedAt,
	)
	return c, err
}

// InsertCheckout stores the order before any provider session exists;
// AttachCheckoutSession records the session once it is created.
func (r *Repository) InsertCheckout(ctx context.Context, c *model.Checkout) error {
	if c.Status == "" {
		c.Status = model.CheckoutPending
	}
	err := r.conn.QueryRow(ctx, `
		INSERT INTO checkouts
			(id, provider, provider_session_id, service_key, quantity, amount_cents, currency,
			 client_name, client_email, client_phone, locale, slot_start, slot_end, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at
	`, c.ID, c.Provider, nullIfEmpty(c.ProviderSessionID), c.ServiceKey, c.Quantity, c.AmountCents, c.Currency,
		c.Client.Name, normalizeEmail(c.Client.Email), c.Client.Phone, c.Locale, c.SlotStart, c.SlotEnd, c.Status,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkout: %w", err)
	}
	return nil
}

// AttachCheckoutSession links a checkout to its provider session. Attaching
// the same session twice is a no-op; a different one is refused.
func (r *Repository) AttachCheckoutSession(ctx context.Context, id, providerSessionID string) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE checkouts
		SET provider_session_id = $2
		WHERE id = $1
			AND (provider_session_id IS NULL OR provider_session_id = $2)
	`, id, providerSessionID)
	if err != nil {
		return fmt.Errorf("attach checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AbandonCheckout expires a pending checkout whose provider session could
// not be opened.
func (r *Repository) AbandonCheckout(ctx context.Context, id string) error {
	_, err := r.conn.Exec(ctx, `
		UPDATE checkouts
		SET status = 'expired'
		WHERE id = $1 AND status = 'pending'
	`, id)
	return err
}

func (r *Repository) GetCheckout(ctx context.Context, id string) (model.Checkout, error) {
	c, err := scanCheckout(r.conn.QueryRow(ctx, `
		SELECT `+checkoutColumns+`
		FROM checkouts
		WHERE id = $1
	`, id))
	if err != nil {
		return model.Checkout{}, notFound(err)
	}
	return c, nil
}

// GetCheckoutBySessionForUpdate locks the checkout so concurrent
// confirmations (return page and webhook) run one at a time.
func (r *Repository) GetCheckoutBySessionForUpdate(ctx context.Context, tx pgx.Tx, providerSessionID string) (model.Checkout, error) {
	c, err := scanCheckout(tx.QueryRow(ctx, `
		SELECT `+checkoutColumns+`
		FROM checkouts
		WHERE provider_session_id = $1
		FOR UPDATE
	`, providerSessionID))
	if err != nil {
		return model.Checkout{}, notFound(err)
	}
	return c, nil
}

func (r *Repository) GetCheckoutBySession(ctx context.Context, providerSessionID string) (model.Checkout, error) {
	c, err := scanCheckout(r.conn.QueryRow(ctx, `
		SELECT `+checkoutColumns+`
		FROM checkouts
		WHERE provider_session_id = $1
	`, providerSessionID))
	if err != nil {
		return model.Checkout{}, notFound(err)
	}
	return c, nil
}

func (r *Repository) CompleteCheckout(ctx context.Context, tx pgx.Tx, id, packageID, bookingID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkouts
		SET status = 'completed',
			package_id = $2,
			booking_id = $3,
			completed_at = now()
		WHERE id = $1
	`, id, packageID, nullIfEmpty(bookingID))
	return err
}

func (r *Repository) ExpireCheckout(ctx context.Context, tx pgx.Tx, providerSessionID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkouts
		SET status = 'expired'
		WHERE provider_session_id = $1 AND status = 'pending'
	`, providerSessionID)
	return err
}
