// Package reporting serves read-only aggregations over the treasury tables.
// Everything here is derived data; nothing in this package mutates state.
package reporting

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/requisition"
)

// FlowRow is one month of money movement as read from storage.
type FlowRow struct {
	Month     time.Time
	Disbursed decimal.Decimal
	Received  decimal.Decimal
}

// SummaryRow aggregates the leaf lines of one budget side.
type SummaryRow struct {
	Type      budget.LineType
	Planned   decimal.Decimal
	Committed decimal.Decimal
	Paid      decimal.Decimal
}

// RepositoryPort describes the read queries the service depends on.
type RepositoryPort interface {
	MonthlyFlows(ctx context.Context, from, to time.Time) ([]FlowRow, error)
	ExerciseTotals(ctx context.Context, year int) ([]SummaryRow, error)
}

// CountsPort exposes the requisition workflow tally.
type CountsPort interface {
	CountByStatus(ctx context.Context) (map[requisition.Status]int, error)
}

// Service coordinates report queries with the cache layer.
type Service struct {
	repo    RepositoryPort
	counts  CountsPort
	cache   *Cache
	logger  *slog.Logger
	printer *message.Printer
}

// NewService wires the report queries with a Cache helper. Display amounts
// follow French number conventions, matching the association's documents.
func NewService(repo RepositoryPort, counts CountsPort, cache *Cache, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		counts:  counts,
		cache:   cache,
		logger:  logger,
		printer: message.NewPrinter(language.French),
	}
}

// MonthlyFlow is one month of valid disbursements and receipts.
type MonthlyFlow struct {
	Month            string          `json:"month"`
	Disbursed        decimal.Decimal `json:"disbursed"`
	Received         decimal.Decimal `json:"received"`
	DisbursedDisplay string          `json:"disbursedDisplay"`
	ReceivedDisplay  string          `json:"receivedDisplay"`
}

// WorkflowCounts tallies requisitions per workflow stage.
type WorkflowCounts struct {
	Pending  int `json:"pending"`
	Cleared  int `json:"cleared"`
	Approved int `json:"approved"`
	Paid     int `json:"paid"`
	Rejected int `json:"rejected"`
}

// SideSummary condenses one side of an exercise budget.
type SideSummary struct {
	Planned          decimal.Decimal `json:"planned"`
	Consumed         decimal.Decimal `json:"consumed"`
	Available        decimal.Decimal `json:"available"`
	PercentConsumed  decimal.Decimal `json:"percentConsumed"`
	PlannedDisplay   string          `json:"plannedDisplay"`
	ConsumedDisplay  string          `json:"consumedDisplay"`
	AvailableDisplay string          `json:"availableDisplay"`
}

// ExerciseSummary condenses one exercise for the dashboard.
type ExerciseSummary struct {
	Year    int         `json:"year"`
	Revenue SideSummary `json:"revenue"`
	Expense SideSummary `json:"expense"`
}

// CashFlow returns the month-by-month movement between from and to.
func (s *Service) CashFlow(ctx context.Context, from, to time.Time) ([]MonthlyFlow, error) {
	key, err := s.cache.BuildKey(ctx, "reporting", "flows",
		from.Format("2006-01"), to.Format("2006-01"))
	if err != nil {
		return nil, err
	}
	var flows []MonthlyFlow
	err = s.cache.FetchJSON(ctx, key, &flows, func(ctx context.Context) (interface{}, error) {
		rows, err := s.repo.MonthlyFlows(ctx, from, to)
		if err != nil {
			return nil, err
		}
		out := make([]MonthlyFlow, 0, len(rows))
		for _, row := range rows {
			out = append(out, MonthlyFlow{
				Month:            row.Month.Format("2006-01"),
				Disbursed:        row.Disbursed,
				Received:         row.Received,
				DisbursedDisplay: s.display(row.Disbursed),
				ReceivedDisplay:  s.display(row.Received),
			})
		}
		return out, nil
	})
	return flows, err
}

// Workflow returns the current requisition stage tally.
func (s *Service) Workflow(ctx context.Context) (WorkflowCounts, error) {
	key, err := s.cache.BuildKey(ctx, "reporting", "workflow")
	if err != nil {
		return WorkflowCounts{}, err
	}
	var counts WorkflowCounts
	err = s.cache.FetchJSON(ctx, key, &counts, func(ctx context.Context) (interface{}, error) {
		byStatus, err := s.counts.CountByStatus(ctx)
		if err != nil {
			return nil, err
		}
		return WorkflowCounts{
			Pending:  byStatus[requisition.StatusPending],
			Cleared:  byStatus[requisition.StatusTechnicallyCleared],
			Approved: byStatus[requisition.StatusFinallyApproved],
			Paid:     byStatus[requisition.StatusPaid],
			Rejected: byStatus[requisition.StatusRejected],
		}, nil
	})
	return counts, err
}

// Summary condenses the exercise's leaf totals per side. Revenue consumption
// is what was committed, expense consumption is what was paid out.
func (s *Service) Summary(ctx context.Context, year int) (ExerciseSummary, error) {
	key, err := s.cache.BuildKey(ctx, "reporting", "summary", strconv.Itoa(year))
	if err != nil {
		return ExerciseSummary{}, err
	}
	var summary ExerciseSummary
	err = s.cache.FetchJSON(ctx, key, &summary, func(ctx context.Context) (interface{}, error) {
		rows, err := s.repo.ExerciseTotals(ctx, year)
		if err != nil {
			return nil, err
		}
		out := ExerciseSummary{Year: year}
		for _, row := range rows {
			switch row.Type {
			case budget.LineTypeRevenue:
				out.Revenue = s.side(row.Planned, row.Committed)
			case budget.LineTypeExpense:
				out.Expense = s.side(row.Planned, row.Paid)
			}
		}
		return out, nil
	})
	return summary, err
}

// Invalidate bumps the cache version so every report key is recomputed.
func (s *Service) Invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("report cache bump failed", slog.Any("error", err))
	}
}

func (s *Service) side(planned, consumed decimal.Decimal) SideSummary {
	percent := decimal.Zero
	if planned.IsPositive() {
		percent = consumed.Mul(decimal.NewFromInt(100)).DivRound(planned, 2)
	}
	return SideSummary{
		Planned:          planned,
		Consumed:         consumed,
		Available:        planned.Sub(consumed),
		PercentConsumed:  percent,
		PlannedDisplay:   s.display(planned),
		ConsumedDisplay:  s.display(consumed),
		AvailableDisplay: s.display(planned.Sub(consumed)),
	}
}

func (s *Service) display(amount decimal.Decimal) string {
	value, _ := amount.Round(2).Float64()
	return s.printer.Sprintf("%.2f", value)
}
