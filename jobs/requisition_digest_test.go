package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/tresoria/backoffice/internal/requisition"
)

type listerStub struct {
	listCalls []requisition.Status
	waiting   map[requisition.Status][]requisition.Requisition
	counts    map[requisition.Status]int
	countsErr error
}

func (s *listerStub) List(ctx context.Context, filter requisition.ListFilter) ([]requisition.Requisition, error) {
	s.listCalls = append(s.listCalls, filter.Status)
	return s.waiting[filter.Status], nil
}

func (s *listerStub) CountByStatus(ctx context.Context) (map[requisition.Status]int, error) {
	return s.counts, s.countsErr
}

func digestTask(t *testing.T, payload RequisitionDigestPayload) *asynq.Task {
	t.Helper()
	task, err := NewRequisitionDigestTask(payload)
	require.NoError(t, err)
	return task
}

func TestRequisitionDigestScansWaitingStatuses(t *testing.T) {
	old := time.Now().UTC().Add(-96 * time.Hour)
	stub := &listerStub{
		counts: map[requisition.Status]int{requisition.StatusPending: 2},
		waiting: map[requisition.Status][]requisition.Requisition{
			requisition.StatusPending: {
				{Reference: "REQ-APA-2026-0001", Status: requisition.StatusPending, UpdatedAt: old},
				{Reference: "REQ-APA-2026-0002", Status: requisition.StatusPending, UpdatedAt: time.Now().UTC()},
			},
		},
	}
	job := NewRequisitionDigestJob(stub, slog.Default())

	err := job.Handle(context.Background(), digestTask(t, RequisitionDigestPayload{StaleAfterHours: 72}))
	require.NoError(t, err)
	require.Equal(t, []requisition.Status{
		requisition.StatusPending,
		requisition.StatusTechnicallyCleared,
	}, stub.listCalls)
}

func TestRequisitionDigestPropagatesErrors(t *testing.T) {
	stub := &listerStub{countsErr: errors.New("db down")}
	job := NewRequisitionDigestJob(stub, slog.Default())

	err := job.Handle(context.Background(), digestTask(t, RequisitionDigestPayload{}))
	require.Error(t, err)
}

func TestRequisitionDigestRejectsMalformedPayload(t *testing.T) {
	job := NewRequisitionDigestJob(&listerStub{}, slog.Default())

	err := job.Handle(context.Background(), asynq.NewTask(TaskRequisitionDigest, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
