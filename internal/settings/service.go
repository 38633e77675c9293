package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/shared"
)

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	Get(ctx context.Context) (Settings, error)
	GetTx(ctx context.Context, tx pgx.Tx) (Settings, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, s Settings) error
	ListClosings(ctx context.Context) ([]CashClosing, error)
	LatestClosing(ctx context.Context) (time.Time, error)
	LatestClosingTx(ctx context.Context, tx pgx.Tx) (time.Time, error)
	InsertClosingTx(ctx context.Context, tx pgx.Tx, closedThrough time.Time, closedBy string) (CashClosing, error)
}

// AuditPort records field-level changes inside the mutating transaction.
type AuditPort interface {
	RecordTx(ctx context.Context, tx pgx.Tx, entry shared.AuditEntry) error
}

// Service owns the singleton treasury settings and the cash closing log.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the settings service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// UpdateInput carries the editable settings fields; nil means unchanged.
type UpdateInput struct {
	BlockOverruns *bool
	OverrunRoles  *[]string
	PresidentLine *string
	TreasurerLine *string
	ExchangeRate  *decimal.Decimal
}

// Get returns the current settings.
func (s *Service) Get(ctx context.Context) (Settings, error) {
	return s.repo.Get(ctx)
}

// Update edits the singleton settings row, recording each changed field.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Settings, error) {
	actor, _ := shared.ActorFromContext(ctx)
	var out Settings
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		current, err := s.repo.GetTx(ctx, tx)
		if err != nil {
			return err
		}
		next := current

		record := func(field, oldVal, newVal string) error {
			return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
				Entity: "treasury_settings", EntityID: 1, Action: "UPDATE", Field: field,
				OldValue: oldVal, NewValue: newVal, ActorID: actor.ID, Actor: actor.Name, At: s.now(),
			})
		}

		if in.BlockOverruns != nil && *in.BlockOverruns != current.BlockOverruns {
			next.BlockOverruns = *in.BlockOverruns
			if err := record("block_overruns", strconv.FormatBool(current.BlockOverruns), strconv.FormatBool(next.BlockOverruns)); err != nil {
				return err
			}
		}
		if in.OverrunRoles != nil {
			roles := normalizeRoles(*in.OverrunRoles)
			if !equalRoles(roles, current.OverrunRoles) {
				next.OverrunRoles = roles
				if err := record("overrun_roles", strings.Join(current.OverrunRoles, ","), strings.Join(roles, ",")); err != nil {
					return err
				}
			}
		}
		if in.PresidentLine != nil && *in.PresidentLine != current.PresidentLine {
			next.PresidentLine = strings.TrimSpace(*in.PresidentLine)
			if err := record("president_line", current.PresidentLine, next.PresidentLine); err != nil {
				return err
			}
		}
		if in.TreasurerLine != nil && *in.TreasurerLine != current.TreasurerLine {
			next.TreasurerLine = strings.TrimSpace(*in.TreasurerLine)
			if err := record("treasurer_line", current.TreasurerLine, next.TreasurerLine); err != nil {
				return err
			}
		}
		if in.ExchangeRate != nil && !in.ExchangeRate.Equal(current.ExchangeRate) {
			if in.ExchangeRate.IsNegative() || in.ExchangeRate.IsZero() {
				return fmt.Errorf("settings: exchange rate must be positive: %w", shared.ErrValidation)
			}
			next.ExchangeRate = *in.ExchangeRate
			if err := record("exchange_rate", current.ExchangeRate.String(), next.ExchangeRate.String()); err != nil {
				return err
			}
		}

		next.UpdatedByActor = actor.Name
		if err := s.repo.UpdateTx(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return Settings{}, err
	}
	return out, nil
}

// OverrunPolicy exposes the spending-over-budget policy to the ledger.
func (s *Service) OverrunPolicy(ctx context.Context) (budget.OverrunPolicy, error) {
	current, err := s.repo.Get(ctx)
	if err != nil {
		return budget.OverrunPolicy{}, err
	}
	return budget.OverrunPolicy{Enforce: current.BlockOverruns, AllowedRoles: current.OverrunRoles}, nil
}

// Signatories returns the print labels snapshotted onto final approvals.
func (s *Service) Signatories(ctx context.Context) (Signatories, error) {
	current, err := s.repo.Get(ctx)
	if err != nil {
		return Signatories{}, err
	}
	return Signatories{PresidentLine: current.PresidentLine, TreasurerLine: current.TreasurerLine}, nil
}

// ExchangeRate returns the current conversion rate snapshot value.
func (s *Service) ExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	current, err := s.repo.Get(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return current.ExchangeRate, nil
}

// LatestClosingTx returns the newest closed-through date on the caller's
// transaction. Used by the payment flows to refuse backdated movements.
func (s *Service) LatestClosingTx(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	return s.repo.LatestClosingTx(ctx, tx)
}

// ListClosings returns the cash closing log, newest first.
func (s *Service) ListClosings(ctx context.Context) ([]CashClosing, error) {
	return s.repo.ListClosings(ctx)
}

// CloseDrawer appends a cash closing. Closings are monotonic: the new
// closed-through date must be after the previous one, and cannot be in the
// future.
func (s *Service) CloseDrawer(ctx context.Context, closedThrough time.Time) (CashClosing, error) {
	actor, _ := shared.ActorFromContext(ctx)
	var out CashClosing
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if closedThrough.After(s.now()) {
			return fmt.Errorf("settings: cannot close the drawer through a future date: %w", shared.ErrValidation)
		}
		latest, err := s.repo.LatestClosingTx(ctx, tx)
		if err != nil {
			return err
		}
		if !latest.IsZero() && !closedThrough.After(latest) {
			return fmt.Errorf("settings: drawer already closed through %s: %w", latest.Format("2006-01-02"), shared.ErrStateConflict)
		}
		out, err = s.repo.InsertClosingTx(ctx, tx, closedThrough, actor.Name)
		if err != nil {
			return err
		}
		return s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "cash_closing", EntityID: out.ID, Action: "CREATE", Field: "closed_through",
			NewValue: closedThrough.Format("2006-01-02"), ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		})
	})
	if err != nil {
		return CashClosing{}, err
	}
	return out, nil
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]bool)
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" || seen[strings.ToLower(role)] {
			continue
		}
		seen[strings.ToLower(role)] = true
		out = append(out, role)
	}
	return out
}

func equalRoles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
