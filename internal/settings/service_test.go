package settings

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tresoria/backoffice/internal/shared"
)

type memoryRepo struct {
	settings Settings
	closings []CashClosing
	nextID   int64
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (m *memoryRepo) Get(ctx context.Context) (Settings, error) {
	return m.settings, nil
}

func (m *memoryRepo) GetTx(ctx context.Context, _ pgx.Tx) (Settings, error) {
	return m.settings, nil
}

func (m *memoryRepo) UpdateTx(ctx context.Context, _ pgx.Tx, s Settings) error {
	m.settings = s
	return nil
}

func (m *memoryRepo) ListClosings(ctx context.Context) ([]CashClosing, error) {
	return m.closings, nil
}

func (m *memoryRepo) LatestClosing(ctx context.Context) (time.Time, error) {
	return m.LatestClosingTx(ctx, nil)
}

func (m *memoryRepo) LatestClosingTx(ctx context.Context, _ pgx.Tx) (time.Time, error) {
	var latest time.Time
	for _, c := range m.closings {
		if c.ClosedThrough.After(latest) {
			latest = c.ClosedThrough
		}
	}
	return latest, nil
}

func (m *memoryRepo) InsertClosingTx(ctx context.Context, _ pgx.Tx, closedThrough time.Time, closedBy string) (CashClosing, error) {
	m.nextID++
	c := CashClosing{ID: m.nextID, ClosedThrough: closedThrough, ClosedBy: closedBy}
	m.closings = append(m.closings, c)
	return c, nil
}

type auditStub struct {
	entries []shared.AuditEntry
}

func (a *auditStub) RecordTx(ctx context.Context, _ pgx.Tx, entry shared.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *auditStub) {
	t.Helper()
	repo := &memoryRepo{settings: Settings{
		BlockOverruns: true,
		OverrunRoles:  []string{"President"},
		ExchangeRate:  decimal.NewFromInt(1),
	}}
	audit := &auditStub{}
	svc := NewService(repo, audit, slog.Default())
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) })
	return svc, repo, audit
}

func actorCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: 3, Name: "A. Morel", Role: "President"})
}

func TestUpdateRecordsChangedFieldsOnly(t *testing.T) {
	svc, _, audit := newTestService(t)

	block := false
	president := "A. Morel, présidente"
	out, err := svc.Update(actorCtx(), UpdateInput{
		BlockOverruns: &block,
		PresidentLine: &president,
	})
	require.NoError(t, err)
	require.False(t, out.BlockOverruns)
	require.Equal(t, president, out.PresidentLine)
	require.Equal(t, "A. Morel", out.UpdatedByActor)

	require.Len(t, audit.entries, 2)
	require.Equal(t, "block_overruns", audit.entries[0].Field)
	require.Equal(t, "president_line", audit.entries[1].Field)

	// Same values again: nothing to record.
	_, err = svc.Update(actorCtx(), UpdateInput{BlockOverruns: &block})
	require.NoError(t, err)
	require.Len(t, audit.entries, 2)
}

func TestUpdateNormalizesRoles(t *testing.T) {
	svc, repo, _ := newTestService(t)

	roles := []string{" Treasurer ", "President", "president", ""}
	_, err := svc.Update(actorCtx(), UpdateInput{OverrunRoles: &roles})
	require.NoError(t, err)
	require.Equal(t, []string{"Treasurer", "President"}, repo.settings.OverrunRoles)
}

func TestUpdateRejectsNonPositiveExchangeRate(t *testing.T) {
	svc, _, _ := newTestService(t)

	rate := decimal.Zero
	_, err := svc.Update(actorCtx(), UpdateInput{ExchangeRate: &rate})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestOverrunPolicyFromSettings(t *testing.T) {
	svc, _, _ := newTestService(t)

	policy, err := svc.OverrunPolicy(context.Background())
	require.NoError(t, err)
	require.True(t, policy.Enforce)
	require.True(t, policy.Allows("president"))
	require.False(t, policy.Allows("Member"))
}

func TestCloseDrawerMonotonic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := actorCtx()

	first, err := svc.CloseDrawer(ctx, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "A. Morel", first.ClosedBy)

	// Same or earlier date refused.
	_, err = svc.CloseDrawer(ctx, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, shared.ErrStateConflict)
	_, err = svc.CloseDrawer(ctx, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, shared.ErrStateConflict)

	// Future date refused.
	_, err = svc.CloseDrawer(ctx, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CloseDrawer(ctx, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
}
