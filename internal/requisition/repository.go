package requisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tresoria/backoffice/internal/platform/db"
	"github.com/tresoria/backoffice/internal/shared"
)

// Repository provides PostgreSQL backed persistence for requisitions.
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
		return fmt.Errorf("requisition: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const requisitionColumns = `id, reference, object, payment_mode, beneficiary, total, status,
	requested_by, requested_by_name,
	cleared_by, cleared_by_name, cleared_at,
	approved_by, approved_by_name, approved_at,
	paid_at,
	rejected_by, rejected_by_name, rejected_at, reject_reason,
	president_line, treasurer_line,
	deleted, deleted_at, created_at, updated_at`

func scanRequisition(row pgx.Row) (Requisition, error) {
	var q Requisition
	err := row.Scan(
		&q.ID, &q.Reference, &q.Object, &q.PaymentMode, &q.Beneficiary, &q.Total, &q.Status,
		&q.RequestedBy, &q.RequestedByName,
		&q.ClearedBy, &q.ClearedByName, &q.ClearedAt,
		&q.ApprovedBy, &q.ApprovedByName, &q.ApprovedAt,
		&q.PaidAt,
		&q.RejectedBy, &q.RejectedByName, &q.RejectedAt, &q.RejectReason,
		&q.PresidentLine, &q.TreasurerLine,
		&q.Deleted, &q.DeletedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, fmt.Errorf("requisition: %w", shared.ErrNotFound)
		}
		return Requisition{}, err
	}
	return q, nil
}

// InsertTx persists a new requisition with its lines.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, q Requisition) (Requisition, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO requisitions (reference, object, payment_mode, beneficiary, total, status, requested_by, requested_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+requisitionColumns,
		q.Reference, q.Object, q.PaymentMode, q.Beneficiary, q.Total, q.Status, q.RequestedBy, q.RequestedByName)
	created, err := scanRequisition(row)
	if err != nil {
		return Requisition{}, err
	}
	for _, line := range q.Lines {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO requisition_lines (requisition_id, budget_line_id, description, quantity, unit_amount, total)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			created.ID, line.BudgetLineID, line.Description, line.Quantity, line.UnitAmount, line.Total).Scan(&id)
		if err != nil {
			return Requisition{}, err
		}
		line.ID = id
		line.RequisitionID = created.ID
		created.Lines = append(created.Lines, line)
	}
	return created, nil
}

// Get loads a requisition with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Requisition, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requisitionColumns+` FROM requisitions WHERE id=$1`, id)
	q, err := scanRequisition(row)
	if err != nil {
		return Requisition{}, err
	}
	q.Lines, err = r.listLines(ctx, r.pool, id)
	if err != nil {
		return Requisition{}, err
	}
	return q, nil
}

// GetForUpdateTx loads and locks a requisition with its lines.
func (r *Repository) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (Requisition, error) {
	row := tx.QueryRow(ctx, `SELECT `+requisitionColumns+` FROM requisitions WHERE id=$1 FOR UPDATE`, id)
	q, err := scanRequisition(row)
	if err != nil {
		return Requisition{}, err
	}
	q.Lines, err = r.listLines(ctx, tx, id)
	if err != nil {
		return Requisition{}, err
	}
	return q, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) listLines(ctx context.Context, q querier, requisitionID int64) ([]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT id, requisition_id, budget_line_id, description, quantity, unit_amount, total
		FROM requisition_lines WHERE requisition_id=$1 ORDER BY id`, requisitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.RequisitionID, &l.BudgetLineID, &l.Description, &l.Quantity, &l.UnitAmount, &l.Total); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListFilter narrows List results.
type ListFilter struct {
	Status         Status
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// List returns requisitions newest first, without their lines.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + requisitionColumns + ` FROM requisitions WHERE 1=1`
	args := []any{}
	if !filter.IncludeDeleted {
		query += ` AND deleted=false`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Requisition
	for rows.Next() {
		q, err := scanRequisition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpdateWorkflowTx persists the workflow fields after a transition.
func (r *Repository) UpdateWorkflowTx(ctx context.Context, tx pgx.Tx, q Requisition) error {
	tag, err := tx.Exec(ctx, `
		UPDATE requisitions
		SET status=$2,
		    cleared_by=$3, cleared_by_name=$4, cleared_at=$5,
		    approved_by=$6, approved_by_name=$7, approved_at=$8,
		    paid_at=$9,
		    rejected_by=$10, rejected_by_name=$11, rejected_at=$12, reject_reason=$13,
		    president_line=$14, treasurer_line=$15,
		    updated_at=NOW()
		WHERE id=$1`,
		q.ID, q.Status,
		q.ClearedBy, q.ClearedByName, q.ClearedAt,
		q.ApprovedBy, q.ApprovedByName, q.ApprovedAt,
		q.PaidAt,
		q.RejectedBy, q.RejectedByName, q.RejectedAt, q.RejectReason,
		q.PresidentLine, q.TreasurerLine)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requisition %d: %w", q.ID, shared.ErrNotFound)
	}
	return nil
}

// SetDeletedTx toggles the soft delete flag.
func (r *Repository) SetDeletedTx(ctx context.Context, tx pgx.Tx, id int64, deleted bool, at *time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE requisitions SET deleted=$2, deleted_at=$3, updated_at=NOW() WHERE id=$1`, id, deleted, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requisition %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// CountByStatus returns requisition counts per workflow stage.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM requisitions WHERE deleted=false GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}
