package disbursement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tresoria/backoffice/internal/platform/db"
	"github.com/tresoria/backoffice/internal/shared"
)

// Repository provides PostgreSQL backed persistence for disbursements.
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
		return fmt.Errorf("disbursement: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const disbursementColumns = `id, reference, requisition_id, budget_line_id, amount, payment_mode, beneficiary,
	payment_date, status, cancel_reason, exchange_rate,
	created_by, created_by_name, created_at, updated_at`

func scanDisbursement(row pgx.Row) (Disbursement, error) {
	var d Disbursement
	err := row.Scan(
		&d.ID, &d.Reference, &d.RequisitionID, &d.BudgetLineID, &d.Amount, &d.PaymentMode, &d.Beneficiary,
		&d.PaymentDate, &d.Status, &d.CancelReason, &d.ExchangeRate,
		&d.CreatedBy, &d.CreatedByName, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Disbursement{}, fmt.Errorf("disbursement: %w", shared.ErrNotFound)
		}
		return Disbursement{}, err
	}
	return d, nil
}

// InsertTx persists a new disbursement.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, d Disbursement) (Disbursement, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO disbursements (reference, requisition_id, budget_line_id, amount, payment_mode, beneficiary,
			payment_date, status, exchange_rate, created_by, created_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+disbursementColumns,
		d.Reference, d.RequisitionID, d.BudgetLineID, d.Amount, d.PaymentMode, d.Beneficiary,
		d.PaymentDate, d.Status, d.ExchangeRate, d.CreatedBy, d.CreatedByName)
	return scanDisbursement(row)
}

// Get loads one disbursement.
func (r *Repository) Get(ctx context.Context, id int64) (Disbursement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id=$1`, id)
	return scanDisbursement(row)
}

// GetForUpdateTx loads and locks one disbursement.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (Disbursement, error) {
	row := tx.QueryRow(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id=$1 FOR UPDATE`, id)
	return scanDisbursement(row)
}

// UpdateStatusTx persists a status transition.
func (r *Repository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id int64, status Status, cancelReason *string) error {
	tag, err := tx.Exec(ctx, `UPDATE disbursements SET status=$2, cancel_reason=$3, updated_at=NOW() WHERE id=$1`,
		id, status, cancelReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("disbursement %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status        Status
	BudgetLineID  int64
	RequisitionID int64
	Limit         int
	Offset        int
}

// List returns disbursements newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Disbursement, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + disbursementColumns + ` FROM disbursements WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filter.BudgetLineID != 0 {
		args = append(args, filter.BudgetLineID)
		query += fmt.Sprintf(` AND budget_line_id=$%d`, len(args))
	}
	if filter.RequisitionID != 0 {
		args = append(args, filter.RequisitionID)
		query += fmt.Sprintf(` AND requisition_id=$%d`, len(args))
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Disbursement
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
