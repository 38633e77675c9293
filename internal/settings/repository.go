package settings

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

// Repository provides PostgreSQL backed persistence for treasury settings.
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
		return fmt.Errorf("settings: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

const settingsColumns = `block_overruns, overrun_roles, president_line, treasurer_line, exchange_rate, updated_at, updated_by_actor`

func scanSettings(row pgx.Row) (Settings, error) {
	var s Settings
	err := row.Scan(&s.BlockOverruns, &s.OverrunRoles, &s.PresidentLine, &s.TreasurerLine, &s.ExchangeRate, &s.UpdatedAt, &s.UpdatedByActor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, fmt.Errorf("settings: not seeded: %w", shared.ErrNotFound)
		}
		return Settings{}, err
	}
	return s, nil
}

// Get loads the singleton settings row.
func (r *Repository) Get(ctx context.Context) (Settings, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+settingsColumns+` FROM treasury_settings WHERE id=1`)
	return scanSettings(row)
}

// GetTx loads and locks the singleton settings row on the transaction.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx) (Settings, error) {
	row := tx.QueryRow(ctx, `SELECT `+settingsColumns+` FROM treasury_settings WHERE id=1 FOR UPDATE`)
	return scanSettings(row)
}

// UpdateTx persists the singleton settings row.
func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, s Settings) error {
	_, err := tx.Exec(ctx, `
		UPDATE treasury_settings
		SET block_overruns=$1, overrun_roles=$2, president_line=$3, treasurer_line=$4,
		    exchange_rate=$5, updated_at=NOW(), updated_by_actor=$6
		WHERE id=1`,
		s.BlockOverruns, s.OverrunRoles, s.PresidentLine, s.TreasurerLine, s.ExchangeRate, s.UpdatedByActor)
	return err
}

const closingColumns = `id, closed_through, closed_by, created_at`

// ListClosings returns cash closings newest first.
func (r *Repository) ListClosings(ctx context.Context) ([]CashClosing, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+closingColumns+` FROM cash_closings ORDER BY closed_through DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CashClosing
	for rows.Next() {
		var c CashClosing
		if err := rows.Scan(&c.ID, &c.ClosedThrough, &c.ClosedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestClosing returns the most recent closed-through date, zero when the
// drawer has never been closed.
func (r *Repository) LatestClosing(ctx context.Context) (time.Time, error) {
	return latestClosing(ctx, r.pool)
}

// LatestClosingTx is LatestClosing on the caller's transaction.
func (r *Repository) LatestClosingTx(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	return latestClosing(ctx, tx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestClosing(ctx context.Context, q querier) (time.Time, error) {
	var latest *time.Time
	if err := q.QueryRow(ctx, `SELECT MAX(closed_through) FROM cash_closings`).Scan(&latest); err != nil {
		return time.Time{}, err
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

// InsertClosingTx appends a cash closing.
func (r *Repository) InsertClosingTx(ctx context.Context, tx pgx.Tx, closedThrough time.Time, closedBy string) (CashClosing, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO cash_closings (closed_through, closed_by)
		VALUES ($1, $2)
		RETURNING `+closingColumns, closedThrough, closedBy)
	var c CashClosing
	if err := row.Scan(&c.ID, &c.ClosedThrough, &c.ClosedBy, &c.CreatedAt); err != nil {
		return CashClosing{}, err
	}
	return c, nil
}
