package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/libs/db"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrSlotTaken means another non-cancelled booking already holds an overlapping time range.
	ErrSlotTaken = errors.New("slot already booked")
	// ErrStaleVersion means the package changed after it was read.
	ErrStaleVersion           = errors.New("package version is stale")
	ErrDuplicateProviderEvent = errors.New("duplicate provider event")
)

type Repository struct {
	conn db.Conn
}

func NewRepository(conn db.Conn) *Repository {
	return &Repository{conn: conn}
}

func (r *Repository) InTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.InTx(ctx, r.conn, fn)
}

// Savepoint runs fn in a nested transaction of tx. A failing fn rolls back
// only its own writes, leaving tx usable.
func (r *Repository) Savepoint(ctx context.Context, tx pgx.Tx, fn func(pgx.Tx) error) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sp.Rollback(ctx) }()

	if err := fn(sp); err != nil {
		return err
	}
	return sp.Commit(ctx)
}

func IsConflict(err error) bool {
	return db.PgCode(err) == db.CodeExclusionViolation
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotFound)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
