package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/sequence"
	"github.com/tresoria/backoffice/internal/shared"
)

// DefaultCancelWindow bounds how long after creation a receipt can be
// cancelled, matching the disbursement side.
const DefaultCancelWindow = 30 * time.Minute

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	InsertTx(ctx context.Context, tx pgx.Tx, rc Receipt) (Receipt, error)
	Get(ctx context.Context, id int64) (Receipt, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (Receipt, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id int64, status Status, cancelReason *string) error
	List(ctx context.Context, filter ListFilter) ([]Receipt, error)
}

// SequencePort issues document references on the caller's transaction.
type SequencePort interface {
	Next(ctx context.Context, tx pgx.Tx, docType string) (string, error)
}

// LedgerPort locks budget lines and shifts their consumption counters.
type LedgerPort interface {
	LineForUpdate(ctx context.Context, tx pgx.Tx, id int64) (budget.Line, error)
	Consume(ctx context.Context, tx pgx.Tx, id int64, paidDelta, committedDelta decimal.Decimal) error
}

// SettingsPort supplies the cash closing backdate boundary.
type SettingsPort interface {
	LatestClosingTx(ctx context.Context, tx pgx.Tx) (time.Time, error)
}

// AuditPort records changes inside the mutating transaction.
type AuditPort interface {
	RecordTx(ctx context.Context, tx pgx.Tx, entry shared.AuditEntry) error
}

// Service records incoming payments.
type Service struct {
	repo         RepositoryPort
	seq          SequencePort
	ledger       LedgerPort
	settings     SettingsPort
	audit        AuditPort
	cancelWindow time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewService constructs the receipt service.
func NewService(repo RepositoryPort, seq SequencePort, ledger LedgerPort, settings SettingsPort, audit AuditPort, cancelWindow time.Duration, logger *slog.Logger) *Service {
	if cancelWindow <= 0 {
		cancelWindow = DefaultCancelWindow
	}
	return &Service{
		repo:         repo,
		seq:          seq,
		ledger:       ledger,
		settings:     settings,
		audit:        audit,
		cancelWindow: cancelWindow,
		logger:       logger,
		now:          time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateInput describes a new incoming payment.
type CreateInput struct {
	BudgetLineID int64
	Amount       decimal.Decimal
	PaymentMode  string
	Payer        string
	Description  string
	ReceiptDate  time.Time
}

// Create issues a reference, persists the receipt as Valid and increments
// the revenue line's committed total in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (Receipt, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt: acting identity required: %w", shared.ErrForbidden)
	}
	if in.BudgetLineID == 0 {
		return Receipt{}, fmt.Errorf("receipt: budget line required: %w", shared.ErrValidation)
	}
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return Receipt{}, fmt.Errorf("receipt: amount must be positive: %w", shared.ErrValidation)
	}
	receiptDate := in.ReceiptDate
	if receiptDate.IsZero() {
		receiptDate = s.now()
	}

	var created Receipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		line, err := s.ledger.LineForUpdate(ctx, tx, in.BudgetLineID)
		if err != nil {
			return err
		}
		if line.Type != budget.LineTypeRevenue {
			return fmt.Errorf("receipt: budget line %s is not a revenue line: %w", line.Code, shared.ErrValidation)
		}
		if line.Deleted || !line.Active {
			return fmt.Errorf("receipt: budget line %s is not active: %w", line.Code, shared.ErrStateConflict)
		}

		latest, err := s.settings.LatestClosingTx(ctx, tx)
		if err != nil {
			return err
		}
		if !latest.IsZero() && !receiptDate.After(latest) {
			return fmt.Errorf("receipt: receipt date falls in a closed period (drawer closed through %s): %w",
				latest.Format("2006-01-02"), shared.ErrStateConflict)
		}

		ref, err := s.seq.Next(ctx, tx, sequence.DocTypeReceipt)
		if err != nil {
			return err
		}
		created, err = s.repo.InsertTx(ctx, tx, Receipt{
			Reference:     ref,
			BudgetLineID:  in.BudgetLineID,
			Amount:        in.Amount,
			PaymentMode:   strings.TrimSpace(in.PaymentMode),
			Payer:         strings.TrimSpace(in.Payer),
			Description:   strings.TrimSpace(in.Description),
			ReceiptDate:   receiptDate,
			Status:        StatusValid,
			CreatedBy:     actor.ID,
			CreatedByName: actor.Name,
		})
		if err != nil {
			return err
		}
		if err := s.ledger.Consume(ctx, tx, in.BudgetLineID, decimal.Zero, in.Amount); err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "receipt", EntityID: created.ID, Action: "CREATE", Field: "status",
			NewValue: string(StatusValid), ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		})
	})
	if err != nil {
		return Receipt{}, err
	}
	return created, nil
}

// SetStatus transitions between Valid and Cancelled. Cancelling reverses the
// committed increment within the cancel window; re-validating re-applies it.
func (s *Service) SetStatus(ctx context.Context, id int64, status Status, reason string) (Receipt, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Receipt{}, fmt.Errorf("receipt: acting identity required: %w", shared.ErrForbidden)
	}
	if status != StatusValid && status != StatusCancelled {
		return Receipt{}, fmt.Errorf("receipt: unknown status %q: %w", status, shared.ErrValidation)
	}
	reason = strings.TrimSpace(reason)
	var out Receipt
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rc, err := s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if rc.Status == status {
			return fmt.Errorf("receipt %s is already %s: %w", rc.Reference, status, shared.ErrStateConflict)
		}

		var cancelReason *string
		var committedDelta decimal.Decimal
		switch status {
		case StatusCancelled:
			if reason == "" {
				return fmt.Errorf("receipt: cancellation reason required: %w", shared.ErrValidation)
			}
			if s.now().Sub(rc.CreatedAt) > s.cancelWindow {
				return fmt.Errorf("receipt %s: cancel window of %s has elapsed: %w",
					rc.Reference, s.cancelWindow, shared.ErrStateConflict)
			}
			cancelReason = &reason
			committedDelta = rc.Amount.Neg()
		case StatusValid:
			committedDelta = rc.Amount
		}

		if err := s.ledger.Consume(ctx, tx, rc.BudgetLineID, decimal.Zero, committedDelta); err != nil {
			return err
		}
		if err := s.repo.UpdateStatusTx(ctx, tx, rc.ID, status, cancelReason); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "receipt", EntityID: rc.ID, Action: "STATUS", Field: "status",
			OldValue: string(rc.Status), NewValue: string(status),
			ActorID:  actor.ID, Actor: actor.Name, At: s.now(),
		}); err != nil {
			return err
		}
		rc.Status = status
		rc.CancelReason = cancelReason
		out = rc
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return out, nil
}

// Get returns one receipt.
func (s *Service) Get(ctx context.Context, id int64) (Receipt, error) {
	return s.repo.Get(ctx, id)
}

// List returns receipts matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Receipt, error) {
	return s.repo.List(ctx, filter)
}
