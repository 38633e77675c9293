package receipt

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tresoria/backoffice/internal/platform/db"
	"github.com/tresoria/backoffice/internal/shared"
)

// Repository provides PostgreSQL backed persistence for receipts.
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
		return fmt.Errorf("receipt: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const receiptColumns = `id, reference, budget_line_id, amount, payment_mode, payer, description,
	receipt_date, status, cancel_reason, created_by, created_by_name, created_at, updated_at`

func scanReceipt(row pgx.Row) (Receipt, error) {
	var rc Receipt
	err := row.Scan(
		&rc.ID, &rc.Reference, &rc.BudgetLineID, &rc.Amount, &rc.PaymentMode, &rc.Payer, &rc.Description,
		&rc.ReceiptDate, &rc.Status, &rc.CancelReason, &rc.CreatedBy, &rc.CreatedByName, &rc.CreatedAt, &rc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, fmt.Errorf("receipt: %w", shared.ErrNotFound)
		}
		return Receipt{}, err
	}
	return rc, nil
}

// InsertTx persists a new receipt.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, rc Receipt) (Receipt, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO receipts (reference, budget_line_id, amount, payment_mode, payer, description,
			receipt_date, status, created_by, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+receiptColumns,
		rc.Reference, rc.BudgetLineID, rc.Amount, rc.PaymentMode, rc.Payer, rc.Description,
		rc.ReceiptDate, rc.Status, rc.CreatedBy, rc.CreatedByName)
	return scanReceipt(row)
}

// Get loads one receipt.
func (r *Repository) Get(ctx context.Context, id int64) (Receipt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id=$1`, id)
	return scanReceipt(row)
}

// GetForUpdateTx loads and locks one receipt.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (Receipt, error) {
	row := tx.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id=$1 FOR UPDATE`, id)
	return scanReceipt(row)
}

// UpdateStatusTx persists a status transition.
func (r *Repository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id int64, status Status, cancelReason *string) error {
	tag, err := tx.Exec(ctx, `UPDATE receipts SET status=$2, cancel_reason=$3, updated_at=NOW() WHERE id=$1`,
		id, status, cancelReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("receipt %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status       Status
	BudgetLineID int64
	Limit        int
	Offset       int
}

// List returns receipts newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Receipt, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filter.BudgetLineID != 0 {
		args = append(args, filter.BudgetLineID)
		query += fmt.Sprintf(` AND budget_line_id=$%d`, len(args))
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Receipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
