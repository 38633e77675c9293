package sequence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tresoria/backoffice/internal/platform/db"
)

// Repository persists document sequence counters.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("sequence: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// NextTx increments and returns the counter for (docType, year) on the
// caller's transaction. The row is locked FOR UPDATE, so concurrent issuers
// for the same pair block until the surrounding transaction finishes; the
// lock is what guarantees gap-free, duplicate-free numbering.
func (r *Repository) NextTx(ctx context.Context, tx pgx.Tx, docType string, year int) (int, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO document_sequences (doc_type, year, last_value) VALUES ($1, $2, 0)
ON CONFLICT (doc_type, year) DO NOTHING`, docType, year); err != nil {
		return 0, fmt.Errorf("sequence: ensure counter: %w", err)
	}

	var last int
	if err := tx.QueryRow(ctx,
		`SELECT last_value FROM document_sequences WHERE doc_type=$1 AND year=$2 FOR UPDATE`,
		docType, year).Scan(&last); err != nil {
		return 0, fmt.Errorf("sequence: lock counter: %w", err)
	}

	next := last + 1
	if _, err := tx.Exec(ctx,
		`UPDATE document_sequences SET last_value=$3, updated_at=NOW() WHERE doc_type=$1 AND year=$2`,
		docType, year, next); err != nil {
		return 0, fmt.Errorf("sequence: advance counter: %w", err)
	}
	return next, nil
}
