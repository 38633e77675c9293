package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tresoria/backoffice/internal/shared"
)

type memoryRepo struct {
	nextExerciseID int64
	nextLineID     int64
	exercises      map[int64]Exercise
	lines          map[int64]Line
	referenced     map[int64]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		exercises:  make(map[int64]Exercise),
		lines:      make(map[int64]Line),
		referenced: make(map[int64]bool),
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (m *memoryRepo) GetExerciseByYear(ctx context.Context, year int) (Exercise, error) {
	for _, ex := range m.exercises {
		if ex.Year == year {
			return ex, nil
		}
	}
	return Exercise{}, fmt.Errorf("exercise %d: %w", year, shared.ErrNotFound)
}

func (m *memoryRepo) GetExerciseByYearTx(ctx context.Context, _ pgx.Tx, year int) (Exercise, error) {
	return m.GetExerciseByYear(ctx, year)
}

func (m *memoryRepo) GetExerciseTx(ctx context.Context, _ pgx.Tx, id int64) (Exercise, error) {
	ex, ok := m.exercises[id]
	if !ok {
		return Exercise{}, fmt.Errorf("exercise %d: %w", id, shared.ErrNotFound)
	}
	return ex, nil
}

func (m *memoryRepo) MaxYear(ctx context.Context) (int, error) {
	max := 0
	for _, ex := range m.exercises {
		if ex.Year > max {
			max = ex.Year
		}
	}
	return max, nil
}

func (m *memoryRepo) MaxYearTx(ctx context.Context, _ pgx.Tx) (int, error) {
	return m.MaxYear(ctx)
}

func (m *memoryRepo) InsertExerciseTx(ctx context.Context, _ pgx.Tx, year int, status ExerciseStatus) (Exercise, error) {
	for _, ex := range m.exercises {
		if ex.Year == year {
			return Exercise{}, fmt.Errorf("exercise %d: %w", year, shared.ErrConflict)
		}
	}
	m.nextExerciseID++
	ex := Exercise{ID: m.nextExerciseID, Year: year, Status: status}
	m.exercises[ex.ID] = ex
	return ex, nil
}

func (m *memoryRepo) UpdateExerciseStatusTx(ctx context.Context, _ pgx.Tx, id int64, status ExerciseStatus) error {
	ex, ok := m.exercises[id]
	if !ok {
		return fmt.Errorf("exercise %d: %w", id, shared.ErrNotFound)
	}
	ex.Status = status
	m.exercises[id] = ex
	return nil
}

func (m *memoryRepo) ListExercises(ctx context.Context) ([]Exercise, error) {
	out := make([]Exercise, 0, len(m.exercises))
	for _, ex := range m.exercises {
		out = append(out, ex)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Year > out[b].Year })
	return out, nil
}

func (m *memoryRepo) GetLine(ctx context.Context, id int64) (Line, error) {
	line, ok := m.lines[id]
	if !ok {
		return Line{}, fmt.Errorf("line %d: %w", id, shared.ErrNotFound)
	}
	return line, nil
}

func (m *memoryRepo) LoadLineForUpdate(ctx context.Context, _ pgx.Tx, id int64) (Line, error) {
	return m.GetLine(ctx, id)
}

func (m *memoryRepo) ListLines(ctx context.Context, exerciseID int64) ([]Line, error) {
	var out []Line
	for _, l := range m.lines {
		if l.ExerciseID == exerciseID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *memoryRepo) ListLinesTx(ctx context.Context, _ pgx.Tx, exerciseID int64) ([]Line, error) {
	return m.ListLines(ctx, exerciseID)
}

func (m *memoryRepo) InsertLineTx(ctx context.Context, _ pgx.Tx, line Line) (int64, error) {
	for _, l := range m.lines {
		if l.ExerciseID == line.ExerciseID && l.Code == line.Code && !l.Deleted {
			return 0, fmt.Errorf("line %s: %w", line.Code, shared.ErrConflict)
		}
	}
	m.nextLineID++
	line.ID = m.nextLineID
	m.lines[line.ID] = line
	return line.ID, nil
}

func (m *memoryRepo) UpdateLineTx(ctx context.Context, _ pgx.Tx, line Line) error {
	if _, ok := m.lines[line.ID]; !ok {
		return fmt.Errorf("line %d: %w", line.ID, shared.ErrNotFound)
	}
	m.lines[line.ID] = line
	return nil
}

func (m *memoryRepo) SetLineParentTx(ctx context.Context, _ pgx.Tx, id int64, parentID *int64) error {
	line, ok := m.lines[id]
	if !ok {
		return fmt.Errorf("line %d: %w", id, shared.ErrNotFound)
	}
	line.ParentID = parentID
	m.lines[id] = line
	return nil
}

func (m *memoryRepo) SetLineTotalsTx(ctx context.Context, _ pgx.Tx, id int64, totals Totals) error {
	line, ok := m.lines[id]
	if !ok {
		return fmt.Errorf("line %d: %w", id, shared.ErrNotFound)
	}
	line.Planned = totals.Planned
	line.Committed = totals.Committed
	line.Paid = totals.Paid
	m.lines[id] = line
	return nil
}

func (m *memoryRepo) AddConsumptionTx(ctx context.Context, _ pgx.Tx, id int64, paidDelta, committedDelta decimal.Decimal) error {
	line, ok := m.lines[id]
	if !ok {
		return fmt.Errorf("line %d: %w", id, shared.ErrNotFound)
	}
	line.Paid = line.Paid.Add(paidDelta)
	line.Committed = line.Committed.Add(committedDelta)
	m.lines[id] = line
	return nil
}

func (m *memoryRepo) SetLineDeletedTx(ctx context.Context, _ pgx.Tx, id int64, deleted bool, at *time.Time, by *int64) error {
	line, ok := m.lines[id]
	if !ok {
		return fmt.Errorf("line %d: %w", id, shared.ErrNotFound)
	}
	if !deleted {
		for _, l := range m.lines {
			if l.ID != id && l.ExerciseID == line.ExerciseID && l.Code == line.Code && !l.Deleted {
				return fmt.Errorf("line %s: %w", line.Code, shared.ErrConflict)
			}
		}
	}
	line.Deleted = deleted
	line.DeletedAt = at
	line.DeletedBy = by
	m.lines[id] = line
	return nil
}

func (m *memoryRepo) LineIsReferenced(ctx context.Context, _ pgx.Tx, id int64) (bool, error) {
	return m.referenced[id], nil
}

func (m *memoryRepo) SoftDeleteExerciseLinesTx(ctx context.Context, _ pgx.Tx, exerciseID int64, actorID int64, at time.Time) error {
	for id, l := range m.lines {
		if l.ExerciseID == exerciseID && !l.Deleted {
			l.Deleted = true
			l.DeletedAt = &at
			l.DeletedBy = &actorID
			m.lines[id] = l
		}
	}
	return nil
}

type auditStub struct {
	entries []shared.AuditEntry
}

func (a *auditStub) RecordTx(ctx context.Context, _ pgx.Tx, entry shared.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

type policyStub struct {
	policy OverrunPolicy
}

func (p *policyStub) OverrunPolicy(ctx context.Context) (OverrunPolicy, error) {
	return p.policy, nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *auditStub) {
	t.Helper()
	repo := newMemoryRepo()
	audit := &auditStub{}
	svc := NewService(repo, audit, &policyStub{}, slog.Default())
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) })
	return svc, repo, audit
}

func actorCtx() context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: 7, Name: "M. Tremblay", Role: "Treasurer"})
}

func TestCreateLineCreatesDraftExercise(t *testing.T) {
	svc, repo, audit := newTestService(t)

	line, err := svc.CreateLine(actorCtx(), CreateLineInput{
		Year: 2026, Code: " 60 -- 01 ", Label: "Fournitures", Type: LineTypeExpense, Planned: dec("500"),
	})
	require.NoError(t, err)
	require.Equal(t, "60-01", line.Code)
	require.True(t, line.Active)

	ex, err := repo.GetExerciseByYear(context.Background(), 2026)
	require.NoError(t, err)
	require.Equal(t, ExerciseStatusDraft, ex.Status)
	require.Len(t, audit.entries, 1)
	require.Equal(t, "CREATE", audit.entries[0].Action)
	require.Equal(t, int64(7), audit.entries[0].ActorID)
}

func TestCreateLineResolvesParentByCodeAndRecomputes(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	parent, err := svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense,
	})
	require.NoError(t, err)

	child, err := svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60-01", Label: "Fournitures", Type: LineTypeExpense,
		ParentCode: "60", Planned: dec("800"),
	})
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	require.Equal(t, parent.ID, *child.ParentID)

	stored, err := repo.GetLine(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, stored.Planned.Equal(dec("800")), "parent planned %s", stored.Planned)
}

func TestCreateLineValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := actorCtx()

	_, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: " - ", Label: "x", Type: LineTypeExpense})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "x", Type: "TRANSFER"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "x", Type: LineTypeExpense, Planned: dec("-1")})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "x", Type: LineTypeExpense, ParentCode: "99"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateLineDuplicateCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := actorCtx()

	_, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)
	_, err = svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Again", Type: LineTypeExpense})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestCreateLineRejectsLockedYears(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	_, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)

	// An older year cannot be opened once a newer exercise exists.
	_, err = svc.CreateLine(ctx, CreateLineInput{Year: 2025, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.ErrorIs(t, err, shared.ErrStateConflict)

	// A closed exercise rejects edits outright.
	ex, err := repo.GetExerciseByYear(ctx, 2026)
	require.NoError(t, err)
	ex.Status = ExerciseStatusClosed
	repo.exercises[ex.ID] = ex
	_, err = svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "61", Label: "Services", Type: LineTypeExpense})
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestUpdateLinePlannedOnParentRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := actorCtx()

	parent, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)
	_, err = svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60-01", Label: "Fournitures", Type: LineTypeExpense, ParentID: &parent.ID, Planned: dec("100"),
	})
	require.NoError(t, err)

	planned := dec("999")
	_, err = svc.UpdateLine(ctx, parent.ID, UpdateLineInput{Planned: &planned})
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestUpdateLineAuditsPlannedChange(t *testing.T) {
	svc, _, audit := newTestService(t)
	ctx := actorCtx()

	line, err := svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense, Planned: dec("100"),
	})
	require.NoError(t, err)

	planned := dec("250")
	updated, err := svc.UpdateLine(ctx, line.ID, UpdateLineInput{Planned: &planned})
	require.NoError(t, err)
	require.True(t, updated.Planned.Equal(dec("250")))

	last := audit.entries[len(audit.entries)-1]
	require.Equal(t, "UPDATE", last.Action)
	require.Equal(t, "100", last.OldValue)
	require.Equal(t, "250", last.NewValue)
}

func TestDeleteLineGuards(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	parent, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)
	child, err := svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60-01", Label: "Fournitures", Type: LineTypeExpense, ParentID: &parent.ID, Planned: dec("100"),
	})
	require.NoError(t, err)

	err = svc.DeleteLine(ctx, parent.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	repo.referenced[child.ID] = true
	err = svc.DeleteLine(ctx, child.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	repo.referenced[child.ID] = false
	require.NoError(t, svc.DeleteLine(ctx, child.ID))

	stored, err := repo.GetLine(ctx, child.ID)
	require.NoError(t, err)
	require.True(t, stored.Deleted)
	require.NotNil(t, stored.DeletedAt)
	require.Equal(t, int64(7), *stored.DeletedBy)

	// Parent aggregate drops back to zero once the child is gone.
	storedParent, err := repo.GetLine(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, storedParent.Planned.IsZero())
}

func TestRestoreLine(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	line, err := svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense, Planned: dec("100"),
	})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteLine(ctx, line.ID))

	err = svc.RestoreLine(ctx, line.ID)
	require.NoError(t, err)

	stored, err := repo.GetLine(ctx, line.ID)
	require.NoError(t, err)
	require.False(t, stored.Deleted)
	require.Nil(t, stored.DeletedAt)

	err = svc.RestoreLine(ctx, line.ID)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestImportLines(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	_, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "61", Label: "Existing", Type: LineTypeExpense})
	require.NoError(t, err)

	result, err := svc.ImportLines(ctx, 2026, LineTypeExpense, []ImportRow{
		{Code: "60-01", Label: "Fournitures", ParentCode: "60", Planned: dec("300")},
		{Code: "60", Label: "Charges"},
		{Code: "", Label: "No code"},
		{Code: "62", Label: ""},
		{Code: "61", Label: "Existing again", Planned: dec("50")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Imported)
	require.Equal(t, 1, result.Skipped)
	require.Len(t, result.Errors, 2)
	require.Equal(t, 3, result.Errors[0].Row)
	require.Equal(t, "missing code", result.Errors[0].Reason)
	require.Equal(t, "missing label", result.Errors[1].Reason)

	// Child preceded its parent in the file; linking happens in a second pass.
	lines, err := repo.ListLines(ctx, 1)
	require.NoError(t, err)
	byCode := make(map[string]Line)
	for _, l := range lines {
		byCode[l.Code] = l
	}
	require.NotNil(t, byCode["60-01"].ParentID)
	require.Equal(t, byCode["60"].ID, *byCode["60-01"].ParentID)
	require.True(t, byCode["60"].Planned.Equal(dec("300")))

	// Re-importing the same file changes nothing.
	again, err := svc.ImportLines(ctx, 2026, LineTypeExpense, []ImportRow{
		{Code: "60-01", Label: "Fournitures", ParentCode: "60", Planned: dec("300")},
		{Code: "60", Label: "Charges"},
		{Code: "61", Label: "Existing again", Planned: dec("50")},
	})
	require.NoError(t, err)
	require.Equal(t, 0, again.Imported)
	require.Equal(t, 3, again.Skipped)
}

func TestImportLinesRefusesParentCycle(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	result, err := svc.ImportLines(ctx, 2026, LineTypeExpense, []ImportRow{
		{Code: "60", Label: "Charges", ParentCode: "61", Planned: dec("100")},
		{Code: "61", Label: "Services", ParentCode: "60", Planned: dec("200")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Imported)
	require.Len(t, result.Errors, 1)
	require.Equal(t, 2, result.Errors[0].Row)
	require.Equal(t, "parent link would create a cycle", result.Errors[0].Reason)

	lines, err := repo.ListLines(ctx, 1)
	require.NoError(t, err)
	byCode := make(map[string]Line)
	for _, l := range lines {
		byCode[l.Code] = l
	}
	// The first link stands, the one closing the loop was refused.
	require.NotNil(t, byCode["60"].ParentID)
	require.Equal(t, byCode["61"].ID, *byCode["60"].ParentID)
	require.Nil(t, byCode["61"].ParentID)
	require.True(t, byCode["61"].Planned.Equal(dec("100")), "parent planned %s", byCode["61"].Planned)
}

func TestExerciseTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := actorCtx()

	_, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)

	_, err = svc.CloseExercise(ctx, 2026)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	ex, err := svc.VoteExercise(ctx, 2026)
	require.NoError(t, err)
	require.Equal(t, ExerciseStatusVoted, ex.Status)

	ex, err = svc.CloseExercise(ctx, 2026)
	require.NoError(t, err)
	require.Equal(t, ExerciseStatusClosed, ex.Status)

	ex, err = svc.ReopenExercise(ctx, 2026)
	require.NoError(t, err)
	require.Equal(t, ExerciseStatusVoted, ex.Status)
}

func TestReopenRejectedWhenNewerExerciseExists(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	_, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)
	_, err = svc.VoteExercise(ctx, 2026)
	require.NoError(t, err)
	_, err = svc.CloseExercise(ctx, 2026)
	require.NoError(t, err)

	_, err = repo.InsertExerciseTx(ctx, nil, 2027, ExerciseStatusDraft)
	require.NoError(t, err)

	_, err = svc.ReopenExercise(ctx, 2026)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestInitializeNextExercise(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	parent, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)
	leaf, err := svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60-01", Label: "Fournitures", Type: LineTypeExpense, ParentID: &parent.ID, Planned: dec("1000"),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, nil, leaf.ID, dec("400"), decimal.Zero))

	target, err := svc.InitializeNextExercise(ctx, InitializeInput{
		SourceYear: 2026, TargetYear: 2027, GrowthCoefficient: dec("0.1"),
	})
	require.NoError(t, err)
	require.Equal(t, 2027, target.Year)
	require.Equal(t, ExerciseStatusDraft, target.Status)

	lines, err := repo.ListLines(ctx, target.ID)
	require.NoError(t, err)
	byCode := make(map[string]Line)
	for _, l := range lines {
		byCode[l.Code] = l
	}

	newLeaf := byCode["60-01"]
	require.True(t, newLeaf.Planned.Equal(dec("1100")), "scaled planned %s", newLeaf.Planned)
	require.True(t, newLeaf.Paid.IsZero())
	require.NotNil(t, newLeaf.ParentID)
	require.Equal(t, byCode["60"].ID, *newLeaf.ParentID)

	carry := byCode[CarryForwardCode]
	require.Equal(t, LineTypeRevenue, carry.Type)
	require.True(t, carry.Planned.Equal(dec("600")), "carry %s", carry.Planned)

	// Running again without overwrite refuses to clobber the target.
	_, err = svc.InitializeNextExercise(ctx, InitializeInput{
		SourceYear: 2026, TargetYear: 2027, GrowthCoefficient: dec("0.1"),
	})
	require.ErrorIs(t, err, shared.ErrStateConflict)

	_, err = svc.InitializeNextExercise(ctx, InitializeInput{
		SourceYear: 2026, TargetYear: 2027, GrowthCoefficient: decimal.Zero, Overwrite: true,
	})
	require.NoError(t, err)
}

func TestConsume(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	parent, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)
	leaf, err := svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60-01", Label: "Fournitures", Type: LineTypeExpense, ParentID: &parent.ID, Planned: dec("500"),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Consume(ctx, nil, leaf.ID, dec("120"), dec("80")))

	storedParent, err := repo.GetLine(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, storedParent.Paid.Equal(dec("120")))
	require.True(t, storedParent.Committed.Equal(dec("80")))

	inactive := false
	_, err = svc.UpdateLine(ctx, leaf.ID, UpdateLineInput{Active: &inactive})
	require.NoError(t, err)
	err = svc.Consume(ctx, nil, leaf.ID, dec("1"), decimal.Zero)
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestConsumeRejectsGroupingLine(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := actorCtx()

	parent, err := svc.CreateLine(ctx, CreateLineInput{Year: 2026, Code: "60", Label: "Charges", Type: LineTypeExpense})
	require.NoError(t, err)
	_, err = svc.CreateLine(ctx, CreateLineInput{
		Year: 2026, Code: "60-01", Label: "Fournitures", Type: LineTypeExpense, ParentID: &parent.ID, Planned: dec("500"),
	})
	require.NoError(t, err)

	err = svc.Consume(ctx, nil, parent.ID, dec("200"), decimal.Zero)
	require.ErrorIs(t, err, shared.ErrStateConflict)

	// A roll-up would have erased a direct increment on the parent; the
	// refusal keeps the ledger and the stored totals in agreement.
	stored, err := repo.GetLine(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, stored.Paid.IsZero(), "parent paid %s", stored.Paid)
}

func TestCheckOverrunAllowed(t *testing.T) {
	repo := newMemoryRepo()
	policy := &policyStub{policy: OverrunPolicy{Enforce: true, AllowedRoles: []string{"President", "Treasurer"}}}
	svc := NewService(repo, &auditStub{}, policy, slog.Default())

	ok, err := svc.CheckOverrunAllowed(context.Background(), "treasurer")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.CheckOverrunAllowed(context.Background(), "Member")
	require.NoError(t, err)
	require.False(t, ok)

	policy.policy.Enforce = false
	ok, err = svc.CheckOverrunAllowed(context.Background(), "Member")
	require.NoError(t, err)
	require.True(t, ok)
}
