package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/shared"
)

// Repository runs the aggregation queries behind the reports.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository instance.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const monthlyFlowsSQL = `
SELECT month, COALESCE(SUM(disbursed), 0), COALESCE(SUM(received), 0) FROM (
    SELECT date_trunc('month', payment_date) AS month, amount AS disbursed, 0::numeric AS received
    FROM disbursements WHERE status = 'VALID' AND payment_date >= $1 AND payment_date < $2
  UNION ALL
    SELECT date_trunc('month', receipt_date), 0::numeric, amount
    FROM receipts WHERE status = 'VALID' AND receipt_date >= $1 AND receipt_date < $2
) movements
GROUP BY month
ORDER BY month`

// MonthlyFlows sums valid disbursements and receipts per calendar month.
// The upper bound is exclusive.
func (r *Repository) MonthlyFlows(ctx context.Context, from, to time.Time) ([]FlowRow, error) {
	rows, err := r.pool.Query(ctx, monthlyFlowsSQL, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlowRow
	for rows.Next() {
		var row FlowRow
		if err := rows.Scan(&row.Month, &row.Disbursed, &row.Received); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const exerciseTotalsSQL = `
SELECT l.type, COALESCE(SUM(l.planned), 0), COALESCE(SUM(l.committed), 0), COALESCE(SUM(l.paid), 0)
FROM budget_lines l
WHERE l.exercise_id = $1
  AND l.deleted = FALSE
  AND NOT EXISTS (
    SELECT 1 FROM budget_lines c WHERE c.parent_id = l.id AND c.deleted = FALSE
  )
GROUP BY l.type`

// ExerciseTotals sums the leaf lines of the year's exercise per side.
// Parents are skipped so aggregates are not double counted.
func (r *Repository) ExerciseTotals(ctx context.Context, year int) ([]SummaryRow, error) {
	var exerciseID int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM fiscal_exercises WHERE year=$1`, year).Scan(&exerciseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, exerciseTotalsSQL, exerciseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var row SummaryRow
		var lineType string
		if err := rows.Scan(&lineType, &row.Planned, &row.Committed, &row.Paid); err != nil {
			return nil, err
		}
		row.Type = budget.LineType(lineType)
		out = append(out, row)
	}
	return out, rows.Err()
}
