package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/platform/db"
	"github.com/tresoria/backoffice/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the ledger.
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
		return fmt.Errorf("budget: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const exerciseColumns = `id, year, status, created_at, updated_at`

func scanExercise(row pgx.Row) (Exercise, error) {
	var ex Exercise
	if err := row.Scan(&ex.ID, &ex.Year, &ex.Status, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Exercise{}, fmt.Errorf("budget: exercise: %w", shared.ErrNotFound)
		}
		return Exercise{}, err
	}
	return ex, nil
}

// GetExerciseByYear loads the exercise for a year.
func (r *Repository) GetExerciseByYear(ctx context.Context, year int) (Exercise, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+exerciseColumns+` FROM fiscal_exercises WHERE year=$1`, year)
	return scanExercise(row)
}

// GetExerciseByYearTx loads the exercise for a year on the transaction.
func (r *Repository) GetExerciseByYearTx(ctx context.Context, tx pgx.Tx, year int) (Exercise, error) {
	row := tx.QueryRow(ctx, `SELECT `+exerciseColumns+` FROM fiscal_exercises WHERE year=$1 FOR UPDATE`, year)
	return scanExercise(row)
}

// GetExerciseTx loads an exercise by id on the transaction.
func (r *Repository) GetExerciseTx(ctx context.Context, tx pgx.Tx, id int64) (Exercise, error) {
	row := tx.QueryRow(ctx, `SELECT `+exerciseColumns+` FROM fiscal_exercises WHERE id=$1 FOR UPDATE`, id)
	return scanExercise(row)
}

// MaxYear returns the newest exercise year, zero when none exist.
func (r *Repository) MaxYear(ctx context.Context) (int, error) {
	var year *int
	if err := r.pool.QueryRow(ctx, `SELECT MAX(year) FROM fiscal_exercises`).Scan(&year); err != nil {
		return 0, err
	}
	if year == nil {
		return 0, nil
	}
	return *year, nil
}

// MaxYearTx returns the newest exercise year on the transaction.
func (r *Repository) MaxYearTx(ctx context.Context, tx pgx.Tx) (int, error) {
	var year *int
	if err := tx.QueryRow(ctx, `SELECT MAX(year) FROM fiscal_exercises`).Scan(&year); err != nil {
		return 0, err
	}
	if year == nil {
		return 0, nil
	}
	return *year, nil
}

// InsertExerciseTx creates the exercise row for a year.
func (r *Repository) InsertExerciseTx(ctx context.Context, tx pgx.Tx, year int, status ExerciseStatus) (Exercise, error) {
	row := tx.QueryRow(ctx, `INSERT INTO fiscal_exercises (year, status, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW()) RETURNING `+exerciseColumns, year, string(status))
	ex, err := scanExercise(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Exercise{}, fmt.Errorf("budget: exercise %d: %w", year, shared.ErrConflict)
		}
		return Exercise{}, err
	}
	return ex, nil
}

// UpdateExerciseStatusTx updates the exercise status.
func (r *Repository) UpdateExerciseStatusTx(ctx context.Context, tx pgx.Tx, id int64, status ExerciseStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE fiscal_exercises SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("budget: exercise %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// ListExercises returns all exercises newest first.
func (r *Repository) ListExercises(ctx context.Context) ([]Exercise, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+exerciseColumns+` FROM fiscal_exercises ORDER BY year DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Exercise
	for rows.Next() {
		var ex Exercise
		if err := rows.Scan(&ex.ID, &ex.Year, &ex.Status, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

const lineColumns = `id, exercise_id, code, label, line_type, parent_id, planned, committed, paid, active, deleted, deleted_at, deleted_by, created_at, updated_at`

func scanLine(row pgx.Row) (Line, error) {
	var l Line
	if err := row.Scan(&l.ID, &l.ExerciseID, &l.Code, &l.Label, &l.Type, &l.ParentID,
		&l.Planned, &l.Committed, &l.Paid, &l.Active, &l.Deleted, &l.DeletedAt, &l.DeletedBy,
		&l.CreatedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, fmt.Errorf("budget: line: %w", shared.ErrNotFound)
		}
		return Line{}, err
	}
	return l, nil
}

// GetLine loads one line.
func (r *Repository) GetLine(ctx context.Context, id int64) (Line, error) {
	return scanLine(r.pool.QueryRow(ctx, `SELECT `+lineColumns+` FROM budget_lines WHERE id=$1`, id))
}

// LoadLineForUpdate locks one line on the transaction.
func (r *Repository) LoadLineForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Line, error) {
	return scanLine(tx.QueryRow(ctx, `SELECT `+lineColumns+` FROM budget_lines WHERE id=$1 FOR UPDATE`, id))
}

func collectLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ExerciseID, &l.Code, &l.Label, &l.Type, &l.ParentID,
			&l.Planned, &l.Committed, &l.Paid, &l.Active, &l.Deleted, &l.DeletedAt, &l.DeletedBy,
			&l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLines returns every line of the exercise, deleted ones included.
func (r *Repository) ListLines(ctx context.Context, exerciseID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM budget_lines WHERE exercise_id=$1 ORDER BY code`, exerciseID)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

// ListLinesTx returns every line of the exercise on the transaction.
func (r *Repository) ListLinesTx(ctx context.Context, tx pgx.Tx, exerciseID int64) ([]Line, error) {
	rows, err := tx.Query(ctx, `SELECT `+lineColumns+` FROM budget_lines WHERE exercise_id=$1 ORDER BY code`, exerciseID)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

// InsertLineTx creates a line, mapping duplicate codes to the conflict kind.
func (r *Repository) InsertLineTx(ctx context.Context, tx pgx.Tx, line Line) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO budget_lines
(exercise_id, code, label, line_type, parent_id, planned, committed, paid, active, deleted, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, NOW(), NOW()) RETURNING id`,
		line.ExerciseID, line.Code, line.Label, string(line.Type), line.ParentID,
		line.Planned, line.Committed, line.Paid, line.Active).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("budget: code %q already exists in exercise: %w", line.Code, shared.ErrConflict)
		}
		return 0, err
	}
	return id, nil
}

// UpdateLineTx updates the editable fields of a line.
func (r *Repository) UpdateLineTx(ctx context.Context, tx pgx.Tx, line Line) error {
	tag, err := tx.Exec(ctx, `UPDATE budget_lines
SET code=$2, label=$3, parent_id=$4, planned=$5, active=$6, updated_at=NOW() WHERE id=$1`,
		line.ID, line.Code, line.Label, line.ParentID, line.Planned, line.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("budget: code %q already exists in exercise: %w", line.Code, shared.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("budget: line %d: %w", line.ID, shared.ErrNotFound)
	}
	return nil
}

// SetLineParentTx relinks a line to a parent.
func (r *Repository) SetLineParentTx(ctx context.Context, tx pgx.Tx, id int64, parentID *int64) error {
	_, err := tx.Exec(ctx, `UPDATE budget_lines SET parent_id=$2, updated_at=NOW() WHERE id=$1`, id, parentID)
	return err
}

// SetLineTotalsTx persists recomputed aggregates on a parent line.
func (r *Repository) SetLineTotalsTx(ctx context.Context, tx pgx.Tx, id int64, totals Totals) error {
	_, err := tx.Exec(ctx, `UPDATE budget_lines SET planned=$2, committed=$3, paid=$4, updated_at=NOW() WHERE id=$1`,
		id, totals.Planned, totals.Committed, totals.Paid)
	return err
}

// AddConsumptionTx shifts the consumption counters of a leaf line.
func (r *Repository) AddConsumptionTx(ctx context.Context, tx pgx.Tx, id int64, paidDelta, committedDelta decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `UPDATE budget_lines SET paid=paid+$2, committed=committed+$3, updated_at=NOW() WHERE id=$1`,
		id, paidDelta, committedDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("budget: line %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// SetLineDeletedTx toggles the soft-delete marker. Restoring can collide
// with a line created under the same code since the deletion; the partial
// unique index reports that as a conflict.
func (r *Repository) SetLineDeletedTx(ctx context.Context, tx pgx.Tx, id int64, deleted bool, at *time.Time, by *int64) error {
	tag, err := tx.Exec(ctx, `UPDATE budget_lines SET deleted=$2, deleted_at=$3, deleted_by=$4, updated_at=NOW() WHERE id=$1`,
		id, deleted, at, by)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("budget: restore would duplicate a live code: %w", shared.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("budget: line %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// LineIsReferenced reports whether requisition lines, receipts, or
// disbursements point at the line.
func (r *Repository) LineIsReferenced(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	var referenced bool
	err := tx.QueryRow(ctx, `SELECT
EXISTS (SELECT 1 FROM requisition_lines WHERE budget_line_id=$1)
OR EXISTS (SELECT 1 FROM receipts WHERE budget_line_id=$1)
OR EXISTS (SELECT 1 FROM disbursements WHERE budget_line_id=$1)`, id).Scan(&referenced)
	return referenced, err
}

// SoftDeleteExerciseLinesTx marks every non-deleted line of an exercise
// deleted. Used by initialize-next-exercise when overwriting.
func (r *Repository) SoftDeleteExerciseLinesTx(ctx context.Context, tx pgx.Tx, exerciseID int64, actorID int64, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE budget_lines SET deleted=true, deleted_at=$2, deleted_by=$3, updated_at=NOW()
WHERE exercise_id=$1 AND deleted=false`, exerciseID, at, actorID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
