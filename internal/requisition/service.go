package requisition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/sequence"
	"github.com/tresoria/backoffice/internal/settings"
	"github.com/tresoria/backoffice/internal/shared"
)

// Module is the approval log module tag for requisitions.
const Module = "requisition"

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	InsertTx(ctx context.Context, tx pgx.Tx, q Requisition) (Requisition, error)
	Get(ctx context.Context, id int64) (Requisition, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (Requisition, error)
	List(ctx context.Context, filter ListFilter) ([]Requisition, error)
	UpdateWorkflowTx(ctx context.Context, tx pgx.Tx, q Requisition) error
	SetDeletedTx(ctx context.Context, tx pgx.Tx, id int64, deleted bool, at *time.Time) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// SequencePort issues document references on the caller's transaction.
type SequencePort interface {
	Next(ctx context.Context, tx pgx.Tx, docType string) (string, error)
}

// LedgerPort resolves budget lines referenced by requisition items.
type LedgerPort interface {
	Line(ctx context.Context, id int64) (budget.Line, error)
	LineHasChildren(ctx context.Context, id int64) (bool, error)
}

// SignatoryPort loads the print labels snapshotted at final approval.
type SignatoryPort interface {
	Signatories(ctx context.Context) (settings.Signatories, error)
}

// AuditPort records field-level changes inside the mutating transaction.
type AuditPort interface {
	RecordTx(ctx context.Context, tx pgx.Tx, entry shared.AuditEntry) error
}

// ApprovalPort mirrors workflow transitions into the shared approval log.
type ApprovalPort interface {
	RecordTx(ctx context.Context, tx pgx.Tx, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// Service owns the requisition workflow.
type Service struct {
	repo        RepositoryPort
	seq         SequencePort
	ledger      LedgerPort
	signatories SignatoryPort
	audit       AuditPort
	approvals   ApprovalPort
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the workflow service.
func NewService(repo RepositoryPort, seq SequencePort, ledger LedgerPort, signatories SignatoryPort, audit AuditPort, approvals ApprovalPort, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		seq:         seq,
		ledger:      ledger,
		signatories: signatories,
		audit:       audit,
		approvals:   approvals,
		logger:      logger,
		now:         time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// LineInput is one item of a submission.
type LineInput struct {
	BudgetLineID int64
	Description  string
	Quantity     decimal.Decimal
	UnitAmount   decimal.Decimal
}

// SubmitInput describes a new spending request.
type SubmitInput struct {
	Object      string
	PaymentMode string
	Beneficiary string
	Lines       []LineInput
}

// Submit creates a requisition in Pending and assigns its reference in the
// same transaction, so a committed requisition always carries a number.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Requisition, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Requisition{}, fmt.Errorf("requisition: acting identity required: %w", shared.ErrForbidden)
	}
	object := strings.TrimSpace(in.Object)
	if object == "" {
		return Requisition{}, fmt.Errorf("requisition: object required: %w", shared.ErrValidation)
	}
	if len(in.Lines) == 0 {
		return Requisition{}, fmt.Errorf("requisition: at least one item required: %w", shared.ErrValidation)
	}

	total := decimal.Zero
	lines := make([]Line, 0, len(in.Lines))
	for i, item := range in.Lines {
		if item.Quantity.LessThanOrEqual(decimal.Zero) {
			return Requisition{}, fmt.Errorf("requisition: item %d quantity must be positive: %w", i+1, shared.ErrValidation)
		}
		if item.UnitAmount.IsNegative() {
			return Requisition{}, fmt.Errorf("requisition: item %d amount cannot be negative: %w", i+1, shared.ErrValidation)
		}
		bl, err := s.ledger.Line(ctx, item.BudgetLineID)
		if err != nil {
			return Requisition{}, err
		}
		if bl.Type != budget.LineTypeExpense {
			return Requisition{}, fmt.Errorf("requisition: budget line %s is not an expense line: %w", bl.Code, shared.ErrValidation)
		}
		if bl.Deleted || !bl.Active {
			return Requisition{}, fmt.Errorf("requisition: budget line %s is not active: %w", bl.Code, shared.ErrStateConflict)
		}
		hasChildren, err := s.ledger.LineHasChildren(ctx, item.BudgetLineID)
		if err != nil {
			return Requisition{}, err
		}
		if hasChildren {
			return Requisition{}, fmt.Errorf("requisition: budget line %s is a grouping line, charge one of its children: %w", bl.Code, shared.ErrValidation)
		}
		lineTotal := item.Quantity.Mul(item.UnitAmount).Round(2)
		total = total.Add(lineTotal)
		lines = append(lines, Line{
			BudgetLineID: item.BudgetLineID,
			Description:  strings.TrimSpace(item.Description),
			Quantity:     item.Quantity,
			UnitAmount:   item.UnitAmount,
			Total:        lineTotal,
		})
	}

	var created Requisition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ref, err := s.seq.Next(ctx, tx, sequence.DocTypeRequisition)
		if err != nil {
			return err
		}
		created, err = s.repo.InsertTx(ctx, tx, Requisition{
			Reference:       ref,
			Object:          object,
			PaymentMode:     strings.TrimSpace(in.PaymentMode),
			Beneficiary:     strings.TrimSpace(in.Beneficiary),
			Total:           total,
			Status:          StatusPending,
			RequestedBy:     actor.ID,
			RequestedByName: actor.Name,
			Lines:           lines,
		})
		if err != nil {
			return err
		}
		if err := s.approvals.RecordTx(ctx, tx, shared.ApprovalLog{
			Module: Module, RefID: shared.ApprovalRef(Module, created.ID),
			ActorID: actor.ID, Action: shared.ApprovalSubmit, At: s.now(),
		}); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "requisition", EntityID: created.ID, Action: "CREATE", Field: "status",
			NewValue: string(StatusPending), ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		})
	})
	if err != nil {
		return Requisition{}, err
	}
	return created, nil
}

// ClearTechnically moves a pending requisition to TechnicallyCleared.
// Clearance is first-writer-wins: a repeat call by the clearing actor is a
// no-op, a clearance attempt by anyone else after that is refused.
func (s *Service) ClearTechnically(ctx context.Context, id int64) (Requisition, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Requisition{}, fmt.Errorf("requisition: acting identity required: %w", shared.ErrForbidden)
	}
	var out Requisition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		q, err := s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if q.Deleted {
			return fmt.Errorf("requisition %s is deleted: %w", q.Reference, shared.ErrStateConflict)
		}
		if q.Status == StatusTechnicallyCleared {
			if q.ClearedBy != nil && *q.ClearedBy == actor.ID {
				out = q
				return nil
			}
			return fmt.Errorf("requisition %s already cleared by %s: %w", q.Reference, deref(q.ClearedByName), shared.ErrForbidden)
		}
		if q.Status != StatusPending {
			return fmt.Errorf("requisition %s is %s: %w", q.Reference, q.Status, shared.ErrStateConflict)
		}

		now := s.now()
		q.Status = StatusTechnicallyCleared
		q.ClearedBy = &actor.ID
		q.ClearedByName = &actor.Name
		q.ClearedAt = &now
		if err := s.repo.UpdateWorkflowTx(ctx, tx, q); err != nil {
			return err
		}
		if err := s.approvals.RecordTx(ctx, tx, shared.ApprovalLog{
			Module: Module, RefID: shared.ApprovalRef(Module, q.ID),
			ActorID: actor.ID, Action: shared.ApprovalClear, At: now,
		}); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "requisition", EntityID: q.ID, Action: "CLEAR", Field: "status",
			OldValue: string(StatusPending), NewValue: string(StatusTechnicallyCleared),
			ActorID:  actor.ID, Actor: actor.Name, At: now,
		}); err != nil {
			return err
		}
		out = q
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	return out, nil
}

// ApproveFinally moves a cleared requisition to FinallyApproved. The approver
// must differ from the clearing actor, and the current signatory labels are
// snapshotted onto the requisition.
func (s *Service) ApproveFinally(ctx context.Context, id int64) (Requisition, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Requisition{}, fmt.Errorf("requisition: acting identity required: %w", shared.ErrForbidden)
	}
	sig, err := s.signatories.Signatories(ctx)
	if err != nil {
		return Requisition{}, err
	}
	var out Requisition
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		q, err := s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if q.Deleted {
			return fmt.Errorf("requisition %s is deleted: %w", q.Reference, shared.ErrStateConflict)
		}
		if q.Status != StatusTechnicallyCleared {
			return fmt.Errorf("requisition %s is %s: %w", q.Reference, q.Status, shared.ErrStateConflict)
		}
		if q.ClearedBy != nil && *q.ClearedBy == actor.ID {
			return fmt.Errorf("requisition %s: the clearing actor cannot also approve: %w", q.Reference, shared.ErrForbidden)
		}

		now := s.now()
		q.Status = StatusFinallyApproved
		q.ApprovedBy = &actor.ID
		q.ApprovedByName = &actor.Name
		q.ApprovedAt = &now
		q.PresidentLine = sig.PresidentLine
		q.TreasurerLine = sig.TreasurerLine
		if err := s.repo.UpdateWorkflowTx(ctx, tx, q); err != nil {
			return err
		}
		if err := s.approvals.RecordTx(ctx, tx, shared.ApprovalLog{
			Module: Module, RefID: shared.ApprovalRef(Module, q.ID),
			ActorID: actor.ID, Action: shared.ApprovalApprove, At: now,
		}); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "requisition", EntityID: q.ID, Action: "APPROVE", Field: "status",
			OldValue: string(StatusTechnicallyCleared), NewValue: string(StatusFinallyApproved),
			ActorID:  actor.ID, Actor: actor.Name, At: now,
		}); err != nil {
			return err
		}
		out = q
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	return out, nil
}

// Reject terminates a requisition from Pending or TechnicallyCleared. Any
// clearance progress is wiped so the record reads as never advanced.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (Requisition, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Requisition{}, fmt.Errorf("requisition: acting identity required: %w", shared.ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Requisition{}, fmt.Errorf("requisition: rejection reason required: %w", shared.ErrValidation)
	}
	var out Requisition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		q, err := s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if q.Deleted {
			return fmt.Errorf("requisition %s is deleted: %w", q.Reference, shared.ErrStateConflict)
		}
		if q.Status != StatusPending && q.Status != StatusTechnicallyCleared {
			return fmt.Errorf("requisition %s is %s: %w", q.Reference, q.Status, shared.ErrStateConflict)
		}

		now := s.now()
		old := q.Status
		q.Status = StatusRejected
		q.ClearedBy, q.ClearedByName, q.ClearedAt = nil, nil, nil
		q.ApprovedBy, q.ApprovedByName, q.ApprovedAt = nil, nil, nil
		q.RejectedBy = &actor.ID
		q.RejectedByName = &actor.Name
		q.RejectedAt = &now
		q.RejectReason = &reason
		if err := s.repo.UpdateWorkflowTx(ctx, tx, q); err != nil {
			return err
		}
		if err := s.approvals.RecordTx(ctx, tx, shared.ApprovalLog{
			Module: Module, RefID: shared.ApprovalRef(Module, q.ID),
			ActorID: actor.ID, Action: shared.ApprovalReject, Note: reason, At: now,
		}); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "requisition", EntityID: q.ID, Action: "REJECT", Field: "status",
			OldValue: string(old), NewValue: string(StatusRejected),
			ActorID:  actor.ID, Actor: actor.Name, At: now,
		}); err != nil {
			return err
		}
		out = q
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	return out, nil
}

// LoadForDisbursementTx locks a requisition on the caller's transaction and
// verifies it can be paid out as a single movement, returning the distinct
// budget line its items charge.
func (s *Service) LoadForDisbursementTx(ctx context.Context, tx pgx.Tx, id int64) (Requisition, int64, error) {
	q, err := s.repo.GetForUpdateTx(ctx, tx, id)
	if err != nil {
		return Requisition{}, 0, err
	}
	if q.Deleted {
		return Requisition{}, 0, fmt.Errorf("requisition %s is deleted: %w", q.Reference, shared.ErrStateConflict)
	}
	if !q.DisbursementEligible() {
		return Requisition{}, 0, fmt.Errorf("requisition %s is %s, not approved for payment: %w", q.Reference, q.Status, shared.ErrStateConflict)
	}
	budgetLineID, err := DistinctBudgetLine(q.Lines)
	if err != nil {
		return Requisition{}, 0, err
	}
	return q, budgetLineID, nil
}

// MarkPaidTx flips an approved requisition to Paid on the caller's
// transaction. Calling it for an already paid requisition keeps the original
// payment timestamp.
func (s *Service) MarkPaidTx(ctx context.Context, tx pgx.Tx, q Requisition, paidAt time.Time) error {
	if q.Status == StatusPaid {
		return nil
	}
	if q.Status != StatusFinallyApproved {
		return fmt.Errorf("requisition %s is %s: %w", q.Reference, q.Status, shared.ErrStateConflict)
	}
	actor, _ := shared.ActorFromContext(ctx)
	q.Status = StatusPaid
	q.PaidAt = &paidAt
	if err := s.repo.UpdateWorkflowTx(ctx, tx, q); err != nil {
		return err
	}
	return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
		Entity: "requisition", EntityID: q.ID, Action: "PAY", Field: "status",
		OldValue: string(StatusFinallyApproved), NewValue: string(StatusPaid),
		ActorID:  actor.ID, Actor: actor.Name, At: paidAt,
	})
}

// Get returns one requisition with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Requisition, error) {
	return s.repo.Get(ctx, id)
}

// List returns requisitions matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	return s.repo.List(ctx, filter)
}

// CountByStatus returns requisition counts per workflow stage.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// ApprovalHistory returns the workflow transitions recorded for one
// requisition, oldest first.
func (s *Service) ApprovalHistory(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.approvals.List(ctx, Module, shared.ApprovalRef(Module, id))
}

// Delete soft-deletes a requisition that has not advanced past Pending or
// been terminally rejected.
func (s *Service) Delete(ctx context.Context, id int64) error {
	actor, _ := shared.ActorFromContext(ctx)
	return s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		q, err := s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if q.Deleted {
			return fmt.Errorf("requisition %s already deleted: %w", q.Reference, shared.ErrStateConflict)
		}
		if q.Status != StatusPending && q.Status != StatusRejected {
			return fmt.Errorf("requisition %s is %s: %w", q.Reference, q.Status, shared.ErrStateConflict)
		}
		now := s.now()
		if err := s.repo.SetDeletedTx(ctx, tx, id, true, &now); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "requisition", EntityID: id, Action: "DELETE", Field: "deleted",
			OldValue: "false", NewValue: "true", ActorID: actor.ID, Actor: actor.Name, At: now,
		})
	})
}

// Restore reverses a soft delete.
func (s *Service) Restore(ctx context.Context, id int64) error {
	actor, _ := shared.ActorFromContext(ctx)
	return s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		q, err := s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !q.Deleted {
			return fmt.Errorf("requisition %s is not deleted: %w", q.Reference, shared.ErrStateConflict)
		}
		if err := s.repo.SetDeletedTx(ctx, tx, id, false, nil); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "requisition", EntityID: id, Action: "RESTORE", Field: "deleted",
			OldValue: "true", NewValue: "false", ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		})
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
