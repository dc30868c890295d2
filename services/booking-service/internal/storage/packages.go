package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/libs/db"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
)

const (
	SourceCheckout = "checkout"
	SourceAdmin    = "admin"
)

type NewPackage struct {
	ClientName  string
	ClientEmail string
	ClientPhone string
	ServiceKey  string
	Quantity    int
	Token       string
	Source      string
	CheckoutID  string
}

const packageColumns = `id::text, client_email, service_key, purchased_quantity, remaining_sessions, version, purchased_at`

func scanPackage(row scanner) (ledger.Package, error) {
	var p ledger.Package
	err := row.Scan(&p.ID, &p.ClientEmail, &p.ServiceKey, &p.PurchasedQuantity, &p.RemainingSessions, &p.Version, &p.PurchasedAt)
	return p, err
}

// CreatePackage stores a new purchase with every session still available.
func (r *Repository) CreatePackage(ctx context.Context, tx pgx.Tx, np NewPackage) (ledger.Package, error) {
	p, err := scanPackage(tx.QueryRow(ctx, `
		INSERT INTO packages
			(client_name, client_email, client_phone, service_key, purchased_quantity, remaining_sessions, token, source, checkout_id)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8)
		RETURNING `+packageColumns,
		np.ClientName, normalizeEmail(np.ClientEmail), np.ClientPhone, np.ServiceKey, np.Quantity, np.Token, np.Source, nullIfEmpty(np.CheckoutID)))
	if err != nil {
		return ledger.Package{}, fmt.Errorf("insert package: %w", err)
	}
	return p, nil
}

// ListPackagesByEmail returns every package the client ever bought, in no
// particular order. Picking the current one is ledger.SelectCurrent's job.
func (r *Repository) ListPackagesByEmail(ctx context.Context, q db.Querier, email string) ([]ledger.Package, error) {
	if q == nil {
		q = r.conn
	}
	rows, err := q.Query(ctx, `
		SELECT `+packageColumns+`
		FROM packages
		WHERE client_email = $1
	`, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) GetPackageByToken(ctx context.Context, q db.Querier, token string) (ledger.Package, error) {
	if q == nil {
		q = r.conn
	}
	p, err := scanPackage(q.QueryRow(ctx, `
		SELECT `+packageColumns+`
		FROM packages
		WHERE token = $1
	`, token))
	if err != nil {
		return ledger.Package{}, notFound(err)
	}
	return p, nil
}

func (r *Repository) GetPackage(ctx context.Context, q db.Querier, id string) (ledger.Package, error) {
	if q == nil {
		q = r.conn
	}
	p, err := scanPackage(q.QueryRow(ctx, `
		SELECT `+packageColumns+`
		FROM packages
		WHERE id = $1
	`, id))
	if err != nil {
		return ledger.Package{}, notFound(err)
	}
	return p, nil
}

// DecrementPackage writes newRemaining only if the package is still at
// expectedVersion and holds exactly one more session than newRemaining.
// Concurrent decrements therefore serialize in the database: the loser gets
// ErrStaleVersion and must re-read.
func (r *Repository) DecrementPackage(ctx context.Context, tx pgx.Tx, id string, expectedVersion int64, newRemaining int) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		UPDATE packages
		SET remaining_sessions = $3,
			version = version + 1,
			updated_at = now()
		WHERE id = $1
			AND version = $2
			AND remaining_sessions > 0
			AND remaining_sessions = $3 + 1
		RETURNING version
	`, id, expectedVersion, newRemaining).Scan(&version)
	if err != nil {
		if IsNotFound(err) {
			return 0, ErrStaleVersion
		}
		return 0, err
	}
	return version, nil
}

// ReservePackage bumps the package version without touching the counter.
// A session booked for later consumption takes the same optimistic lock as
// a decrement, so two of them cannot claim the same place.
func (r *Repository) ReservePackage(ctx context.Context, tx pgx.Tx, id string, expectedVersion int64) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		UPDATE packages
		SET version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version
	`, id, expectedVersion).Scan(&version)
	if err != nil {
		if IsNotFound(err) {
			return 0, ErrStaleVersion
		}
		return 0, err
	}
	return version, nil
}
