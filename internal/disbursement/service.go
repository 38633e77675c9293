package disbursement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/requisition"
	"github.com/tresoria/backoffice/internal/sequence"
	"github.com/tresoria/backoffice/internal/shared"
)

// Module is the idempotency scope tag for disbursement creation.
const Module = "disbursement"

// DefaultCancelWindow bounds how long after creation a disbursement can be
// cancelled.
const DefaultCancelWindow = 30 * time.Minute

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	InsertTx(ctx context.Context, tx pgx.Tx, d Disbursement) (Disbursement, error)
	Get(ctx context.Context, id int64) (Disbursement, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id int64) (Disbursement, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id int64, status Status, cancelReason *string) error
	List(ctx context.Context, filter ListFilter) ([]Disbursement, error)
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

// PolicyPort answers whether a role may overrun a budget line.
type PolicyPort interface {
	CheckOverrunAllowed(ctx context.Context, role string) (bool, error)
}

// RequisitionPort ties linked disbursements into the workflow.
type RequisitionPort interface {
	LoadForDisbursementTx(ctx context.Context, tx pgx.Tx, id int64) (requisition.Requisition, int64, error)
	MarkPaidTx(ctx context.Context, tx pgx.Tx, q requisition.Requisition, paidAt time.Time) error
}

// SettingsPort supplies the exchange rate snapshot and the cash closing
// backdate boundary.
type SettingsPort interface {
	ExchangeRate(ctx context.Context) (decimal.Decimal, error)
	LatestClosingTx(ctx context.Context, tx pgx.Tx) (time.Time, error)
}

// AuditPort records changes inside the mutating transaction.
type AuditPort interface {
	RecordTx(ctx context.Context, tx pgx.Tx, entry shared.AuditEntry) error
}

// IdempotencyPort deduplicates caller retries.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service executes outgoing payments.
type Service struct {
	repo         RepositoryPort
	seq          SequencePort
	ledger       LedgerPort
	policy       PolicyPort
	requisitions RequisitionPort
	settings     SettingsPort
	audit        AuditPort
	idem         IdempotencyPort
	cancelWindow time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewService constructs the disbursement service.
func NewService(repo RepositoryPort, seq SequencePort, ledger LedgerPort, policy PolicyPort, requisitions RequisitionPort, settings SettingsPort, audit AuditPort, idem IdempotencyPort, cancelWindow time.Duration, logger *slog.Logger) *Service {
	if cancelWindow <= 0 {
		cancelWindow = DefaultCancelWindow
	}
	return &Service{
		repo:         repo,
		seq:          seq,
		ledger:       ledger,
		policy:       policy,
		requisitions: requisitions,
		settings:     settings,
		audit:        audit,
		idem:         idem,
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

// CreateInput describes a new payment. Either RequisitionID or
// BudgetLineID+Amount must be supplied; for linked payments the amount is
// always the requisition's total.
type CreateInput struct {
	RequisitionID  *int64
	BudgetLineID   int64
	Amount         decimal.Decimal
	PaymentMode    string
	Beneficiary    string
	PaymentDate    time.Time
	IdempotencyKey string
}

// Create issues a reference, snapshots the exchange rate, persists the
// payment as Valid and increments the budget line's paid total, all in one
// transaction. Linked payments also flip their requisition to Paid.
func (s *Service) Create(ctx context.Context, in CreateInput) (Disbursement, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Disbursement{}, fmt.Errorf("disbursement: acting identity required: %w", shared.ErrForbidden)
	}
	if in.RequisitionID == nil {
		if in.BudgetLineID == 0 {
			return Disbursement{}, fmt.Errorf("disbursement: budget line required: %w", shared.ErrValidation)
		}
		if in.Amount.LessThanOrEqual(decimal.Zero) {
			return Disbursement{}, fmt.Errorf("disbursement: amount must be positive: %w", shared.ErrValidation)
		}
	}
	paymentDate := in.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = s.now()
	}

	if in.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, Module); err != nil {
			return Disbursement{}, err
		}
	}

	rate, err := s.settings.ExchangeRate(ctx)
	if err != nil {
		return Disbursement{}, err
	}

	var created Disbursement
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		amount := in.Amount
		budgetLineID := in.BudgetLineID
		paymentMode := strings.TrimSpace(in.PaymentMode)
		beneficiary := strings.TrimSpace(in.Beneficiary)

		var linked *requisition.Requisition
		if in.RequisitionID != nil {
			q, lineID, err := s.requisitions.LoadForDisbursementTx(ctx, tx, *in.RequisitionID)
			if err != nil {
				return err
			}
			linked = &q
			amount = q.Total
			budgetLineID = lineID
			if paymentMode == "" {
				paymentMode = q.PaymentMode
			}
			if beneficiary == "" {
				beneficiary = q.Beneficiary
			}
		}

		line, err := s.ledger.LineForUpdate(ctx, tx, budgetLineID)
		if err != nil {
			return err
		}
		if line.Type != budget.LineTypeExpense {
			return fmt.Errorf("disbursement: budget line %s is not an expense line: %w", line.Code, shared.ErrValidation)
		}
		if line.Deleted || !line.Active {
			return fmt.Errorf("disbursement: budget line %s is not active: %w", line.Code, shared.ErrStateConflict)
		}

		latest, err := s.settings.LatestClosingTx(ctx, tx)
		if err != nil {
			return err
		}
		if !latest.IsZero() && !paymentDate.After(latest) {
			return fmt.Errorf("disbursement: payment date falls in a closed period (drawer closed through %s): %w",
				latest.Format("2006-01-02"), shared.ErrStateConflict)
		}

		if line.Paid.Add(amount).GreaterThan(line.Planned) {
			allowed, err := s.policy.CheckOverrunAllowed(ctx, actor.Role)
			if err != nil {
				return err
			}
			if !allowed {
				return fmt.Errorf("disbursement: would overrun budget line %s (%s of %s planned): %w",
					line.Code, line.Paid.Add(amount), line.Planned, shared.ErrForbidden)
			}
		}

		ref, err := s.seq.Next(ctx, tx, sequence.DocTypeDisbursement)
		if err != nil {
			return err
		}
		created, err = s.repo.InsertTx(ctx, tx, Disbursement{
			Reference:     ref,
			RequisitionID: in.RequisitionID,
			BudgetLineID:  budgetLineID,
			Amount:        amount,
			PaymentMode:   paymentMode,
			Beneficiary:   beneficiary,
			PaymentDate:   paymentDate,
			Status:        StatusValid,
			ExchangeRate:  rate,
			CreatedBy:     actor.ID,
			CreatedByName: actor.Name,
		})
		if err != nil {
			return err
		}
		if err := s.ledger.Consume(ctx, tx, budgetLineID, amount, decimal.Zero); err != nil {
			return err
		}
		if linked != nil {
			if err := s.requisitions.MarkPaidTx(ctx, tx, *linked, paymentDate); err != nil {
				return err
			}
		}
		return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "disbursement", EntityID: created.ID, Action: "CREATE", Field: "status",
			NewValue: string(StatusValid), ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		})
	})
	if err != nil {
		if in.IdempotencyKey != "" {
			if delErr := s.idem.Delete(ctx, in.IdempotencyKey); delErr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", delErr), slog.String("key", in.IdempotencyKey))
			}
		}
		return Disbursement{}, err
	}
	return created, nil
}

// SetStatus transitions between Valid and Cancelled. Cancelling reverses the
// paid increment and must happen within the cancel window; re-validating
// re-applies the increment and is not time-bounded.
func (s *Service) SetStatus(ctx context.Context, id int64, status Status, reason string) (Disbursement, error) {
	actor, ok := shared.ActorFromContext(ctx)
	if !ok {
		return Disbursement{}, fmt.Errorf("disbursement: acting identity required: %w", shared.ErrForbidden)
	}
	if status != StatusValid && status != StatusCancelled {
		return Disbursement{}, fmt.Errorf("disbursement: unknown status %q: %w", status, shared.ErrValidation)
	}
	reason = strings.TrimSpace(reason)
	var out Disbursement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		d, err := s.repo.GetForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status == status {
			return fmt.Errorf("disbursement %s is already %s: %w", d.Reference, status, shared.ErrStateConflict)
		}

		var cancelReason *string
		var paidDelta decimal.Decimal
		switch status {
		case StatusCancelled:
			if reason == "" {
				return fmt.Errorf("disbursement: cancellation reason required: %w", shared.ErrValidation)
			}
			if s.now().Sub(d.CreatedAt) > s.cancelWindow {
				return fmt.Errorf("disbursement %s: cancel window of %s has elapsed: %w",
					d.Reference, s.cancelWindow, shared.ErrStateConflict)
			}
			cancelReason = &reason
			paidDelta = d.Amount.Neg()
		case StatusValid:
			paidDelta = d.Amount
		}

		if err := s.ledger.Consume(ctx, tx, d.BudgetLineID, paidDelta, decimal.Zero); err != nil {
			return err
		}
		if err := s.repo.UpdateStatusTx(ctx, tx, d.ID, status, cancelReason); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "disbursement", EntityID: d.ID, Action: "STATUS", Field: "status",
			OldValue: string(d.Status), NewValue: string(status),
			ActorID:  actor.ID, Actor: actor.Name, At: s.now(),
		}); err != nil {
			return err
		}
		d.Status = status
		d.CancelReason = cancelReason
		out = d
		return nil
	})
	if err != nil {
		return Disbursement{}, err
	}
	return out, nil
}

// Get returns one disbursement.
func (s *Service) Get(ctx context.Context, id int64) (Disbursement, error) {
	return s.repo.Get(ctx, id)
}

// List returns disbursements matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Disbursement, error) {
	return s.repo.List(ctx, filter)
}
