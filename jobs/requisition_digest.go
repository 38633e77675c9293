package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tresoria/backoffice/internal/requisition"
)

const defaultStaleAfterHours = 72

// RequisitionLister reads the requisitions the digest reports on.
type RequisitionLister interface {
	List(ctx context.Context, filter requisition.ListFilter) ([]requisition.Requisition, error)
	CountByStatus(ctx context.Context) (map[requisition.Status]int, error)
}

// RequisitionDigestJob logs a summary of requisitions awaiting action so the
// treasurer has a daily overview. Delivery beyond the log is handled by the
// operations mail pipeline.
type RequisitionDigestJob struct {
	Repo   RequisitionLister
	Logger *slog.Logger
	clock  func() time.Time
}

// NewRequisitionDigestJob initialises the digest handler.
func NewRequisitionDigestJob(repo RequisitionLister, logger *slog.Logger) *RequisitionDigestJob {
	return &RequisitionDigestJob{
		Repo:   repo,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the digest.
func (j *RequisitionDigestJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("requisition digest: handler not configured")
	}
	var payload RequisitionDigestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.StaleAfterHours <= 0 {
		payload.StaleAfterHours = defaultStaleAfterHours
	}

	counts, err := j.Repo.CountByStatus(ctx)
	if err != nil {
		j.Logger.Error("requisition digest failed", slog.Any("error", err))
		return err
	}

	now := j.clock()
	staleCutoff := now.Add(-time.Duration(payload.StaleAfterHours) * time.Hour)
	stale := 0
	for _, status := range []requisition.Status{requisition.StatusPending, requisition.StatusTechnicallyCleared} {
		waiting, err := j.Repo.List(ctx, requisition.ListFilter{Status: status, Limit: 200})
		if err != nil {
			j.Logger.Error("requisition digest failed", slog.Any("error", err))
			return err
		}
		for _, q := range waiting {
			if q.UpdatedAt.Before(staleCutoff) {
				stale++
				j.Logger.Warn("requisition waiting too long",
					slog.String("reference", q.Reference),
					slog.String("status", string(q.Status)),
					slog.Time("since", q.UpdatedAt),
				)
			}
		}
	}

	j.Logger.Info("requisition digest",
		slog.Int("pending", counts[requisition.StatusPending]),
		slog.Int("cleared", counts[requisition.StatusTechnicallyCleared]),
		slog.Int("approved", counts[requisition.StatusFinallyApproved]),
		slog.Int("stale", stale),
	)
	return nil
}
