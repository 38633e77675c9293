package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tresoria/backoffice/internal/shared"
)

// CounterPort describes the persistence operations used by Service.
type CounterPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	NextTx(ctx context.Context, tx pgx.Tx, docType string, year int) (int, error)
}

// Service issues reference numbers. Callers that need the number inside a
// larger unit of work pass their own transaction to Next; the counter row
// lock only serializes issuers for as long as that transaction stays open.
type Service struct {
	repo   CounterPort
	orgTag string
	now    func() time.Time
}

// NewService constructs the sequencer.
func NewService(repo CounterPort, orgTag string) *Service {
	return &Service{repo: repo, orgTag: orgTag, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Next issues the next reference for docType on the caller's transaction.
func (s *Service) Next(ctx context.Context, tx pgx.Tx, docType string) (string, error) {
	if docType == "" {
		return "", fmt.Errorf("sequence: document type required: %w", shared.ErrValidation)
	}
	year := s.now().Year()
	n, err := s.repo.NextTx(ctx, tx, docType, year)
	if err != nil {
		return "", err
	}
	if n > MaxPerYear {
		return "", fmt.Errorf("sequence: %s/%d counter exhausted: %w", docType, year, shared.ErrCapacityExceeded)
	}
	return Format(docType, s.orgTag, year, n), nil
}

// IssueReference issues a reference in its own transaction. External
// callers that only need a number use this entry point.
func (s *Service) IssueReference(ctx context.Context, docType string) (string, error) {
	var ref string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var e error
		ref, e = s.Next(ctx, tx, docType)
		return e
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Format renders a reference number as {docType}-{orgTag}-{year}-{counter:04d}.
func Format(docType, orgTag string, year, counter int) string {
	return fmt.Sprintf("%s-%s-%d-%04d", docType, orgTag, year, counter)
}
