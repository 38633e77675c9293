package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry represents one field-level state transition stored in
// audit_entries. Rows are append-only.
type AuditEntry struct {
	Entity   string    `json:"entity"`
	EntityID int64     `json:"entityId"`
	Action   string    `json:"action"`
	Field    string    `json:"field,omitempty"`
	OldValue string    `json:"oldValue,omitempty"`
	NewValue string    `json:"newValue,omitempty"`
	ActorID  int64     `json:"actorId"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
}

// AuditRecorder appends audit entries. Mutating services call RecordTx inside
// the same transaction as the mutation, so the entry is never persisted
// without the mutation and never lost after it.
type AuditRecorder struct {
	pool *pgxpool.Pool
}

// NewAuditRecorder returns a new AuditRecorder.
func NewAuditRecorder(pool *pgxpool.Pool) *AuditRecorder {
	return &AuditRecorder{pool: pool}
}

const insertAuditSQL = `INSERT INTO audit_entries (entity, entity_id, action, field, old_value, new_value, actor_id, actor, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`

// RecordTx persists the entry on the caller's transaction.
func (r *AuditRecorder) RecordTx(ctx context.Context, tx pgx.Tx, entry AuditEntry) error {
	if r == nil {
		return errors.New("audit recorder not initialised")
	}
	if entry.Entity == "" || entry.Action == "" {
		return errors.New("audit entry requires entity/action")
	}
	var at any
	if !entry.At.IsZero() {
		at = entry.At
	}
	_, err := tx.Exec(ctx, insertAuditSQL,
		entry.Entity, entry.EntityID, entry.Action, entry.Field,
		entry.OldValue, entry.NewValue, entry.ActorID, entry.Actor, at)
	return err
}

// Record persists the entry outside any caller transaction. Used for
// mutations that are single statements anyway.
func (r *AuditRecorder) Record(ctx context.Context, entry AuditEntry) error {
	if r == nil {
		return errors.New("audit recorder not initialised")
	}
	if entry.Entity == "" || entry.Action == "" {
		return errors.New("audit entry requires entity/action")
	}
	var at any
	if !entry.At.IsZero() {
		at = entry.At
	}
	_, err := r.pool.Exec(ctx, insertAuditSQL,
		entry.Entity, entry.EntityID, entry.Action, entry.Field,
		entry.OldValue, entry.NewValue, entry.ActorID, entry.Actor, at)
	return err
}
