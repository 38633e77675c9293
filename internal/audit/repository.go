package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tresoria/backoffice/internal/shared"
)

// Repository reads audit_entries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// List returns matching entries, newest first.
func (r *Repository) List(ctx context.Context, filter Filter, limit, offset int) ([]shared.AuditEntry, error) {
	query := `SELECT entity, entity_id, action, field, old_value, new_value, actor_id, actor, occurred_at
		FROM audit_entries WHERE 1=1`
	args := []any{}
	if filter.Entity != "" {
		args = append(args, filter.Entity)
		query += fmt.Sprintf(` AND entity=$%d`, len(args))
	}
	if filter.EntityID != 0 {
		args = append(args, filter.EntityID)
		query += fmt.Sprintf(` AND entity_id=$%d`, len(args))
	}
	if filter.ActorID != 0 {
		args = append(args, filter.ActorID)
		query += fmt.Sprintf(` AND actor_id=$%d`, len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(` AND action=$%d`, len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(` AND occurred_at >= $%d`, len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(` AND occurred_at < $%d`, len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []shared.AuditEntry
	for rows.Next() {
		var e shared.AuditEntry
		if err := rows.Scan(&e.Entity, &e.EntityID, &e.Action, &e.Field, &e.OldValue, &e.NewValue, &e.ActorID, &e.Actor, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
