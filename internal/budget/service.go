package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/shared"
)

// CarryForwardCode is the synthetic revenue line injected by
// initialize-next-exercise with the unspent balance of the source year.
const CarryForwardCode = "RPT"

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	GetExerciseByYear(ctx context.Context, year int) (Exercise, error)
	GetExerciseByYearTx(ctx context.Context, tx pgx.Tx, year int) (Exercise, error)
	GetExerciseTx(ctx context.Context, tx pgx.Tx, id int64) (Exercise, error)
	MaxYear(ctx context.Context) (int, error)
	MaxYearTx(ctx context.Context, tx pgx.Tx) (int, error)
	InsertExerciseTx(ctx context.Context, tx pgx.Tx, year int, status ExerciseStatus) (Exercise, error)
	UpdateExerciseStatusTx(ctx context.Context, tx pgx.Tx, id int64, status ExerciseStatus) error
	ListExercises(ctx context.Context) ([]Exercise, error)
	GetLine(ctx context.Context, id int64) (Line, error)
	LoadLineForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Line, error)
	ListLines(ctx context.Context, exerciseID int64) ([]Line, error)
	ListLinesTx(ctx context.Context, tx pgx.Tx, exerciseID int64) ([]Line, error)
	InsertLineTx(ctx context.Context, tx pgx.Tx, line Line) (int64, error)
	UpdateLineTx(ctx context.Context, tx pgx.Tx, line Line) error
	SetLineParentTx(ctx context.Context, tx pgx.Tx, id int64, parentID *int64) error
	SetLineTotalsTx(ctx context.Context, tx pgx.Tx, id int64, totals Totals) error
	AddConsumptionTx(ctx context.Context, tx pgx.Tx, id int64, paidDelta, committedDelta decimal.Decimal) error
	SetLineDeletedTx(ctx context.Context, tx pgx.Tx, id int64, deleted bool, at *time.Time, by *int64) error
	LineIsReferenced(ctx context.Context, tx pgx.Tx, id int64) (bool, error)
	SoftDeleteExerciseLinesTx(ctx context.Context, tx pgx.Tx, exerciseID int64, actorID int64, at time.Time) error
}

// AuditPort records field-level changes inside the mutating transaction.
type AuditPort interface {
	RecordTx(ctx context.Context, tx pgx.Tx, entry shared.AuditEntry) error
}

// PolicyPort loads the global overrun policy.
type PolicyPort interface {
	OverrunPolicy(ctx context.Context) (OverrunPolicy, error)
}

// Service owns fiscal exercises and the budget line tree.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	policy PolicyPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, policy PolicyPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, policy: policy, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateLineInput describes manual line creation.
type CreateLineInput struct {
	Year       int
	Code       string
	Label      string
	Type       LineType
	ParentID   *int64
	ParentCode string
	Planned    decimal.Decimal
}

// UpdateLineInput carries the editable fields; nil means leave unchanged.
type UpdateLineInput struct {
	Label   *string
	Planned *decimal.Decimal
	Active  *bool
}

// ImportRow is one row of a bulk import file.
type ImportRow struct {
	Code       string
	Label      string
	ParentCode string
	Planned    decimal.Decimal
}

// ImportRowError reports why a single row was not imported.
type ImportRowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// ImportResult summarises a bulk import.
type ImportResult struct {
	Imported int              `json:"imported"`
	Skipped  int              `json:"skipped"`
	Errors   []ImportRowError `json:"errors,omitempty"`
}

// InitializeInput drives exercise initialization from a source year.
type InitializeInput struct {
	SourceYear        int
	TargetYear        int
	GrowthCoefficient decimal.Decimal
	Overwrite         bool
}

// ExerciseTree groups the roll-up trees of one exercise.
type ExerciseTree struct {
	Exercise Exercise    `json:"exercise"`
	Revenue  []*TreeNode `json:"revenue"`
	Expense  []*TreeNode `json:"expense"`
}

// CreateLine creates a budget line after normalizing its code and resolving
// its parent, then recomputes every ancestor roll-up.
func (s *Service) CreateLine(ctx context.Context, in CreateLineInput) (Line, error) {
	code := NormalizeCode(in.Code)
	label := strings.TrimSpace(in.Label)
	if code == "" {
		return Line{}, fmt.Errorf("budget: code required: %w", shared.ErrValidation)
	}
	if label == "" {
		return Line{}, fmt.Errorf("budget: label required: %w", shared.ErrValidation)
	}
	if in.Type != LineTypeRevenue && in.Type != LineTypeExpense {
		return Line{}, fmt.Errorf("budget: unknown line type %q: %w", in.Type, shared.ErrValidation)
	}
	if in.Planned.IsNegative() {
		return Line{}, fmt.Errorf("budget: planned amount cannot be negative: %w", shared.ErrValidation)
	}

	actor, _ := shared.ActorFromContext(ctx)
	var created Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ex, err := s.ensureExerciseTx(ctx, tx, in.Year)
		if err != nil {
			return err
		}
		if err := s.guardEditableTx(ctx, tx, ex); err != nil {
			return err
		}
		lines, err := s.repo.ListLinesTx(ctx, tx, ex.ID)
		if err != nil {
			return err
		}
		tree := BuildTree(lines)
		parentID, err := resolveParent(tree, ex.ID, in.ParentID, in.ParentCode)
		if err != nil {
			return err
		}
		line := Line{
			ExerciseID: ex.ID,
			Code:       code,
			Label:      label,
			Type:       in.Type,
			ParentID:   parentID,
			Planned:    in.Planned,
			Active:     true,
		}
		id, err := s.repo.InsertLineTx(ctx, tx, line)
		if err != nil {
			return err
		}
		line.ID = id
		created = line
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "budget_line", EntityID: id, Action: "CREATE", Field: "planned",
			NewValue: in.Planned.String(), ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		}); err != nil {
			return err
		}
		return s.recomputeTx(ctx, tx, ex.ID)
	})
	if err != nil {
		return Line{}, err
	}
	return created, nil
}

// UpdateLine edits label, planned amount, or active flag. Planned edits on
// lines with children are rejected: aggregates are read-only.
func (s *Service) UpdateLine(ctx context.Context, id int64, in UpdateLineInput) (Line, error) {
	actor, _ := shared.ActorFromContext(ctx)
	var updated Line
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		line, err := s.repo.LoadLineForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if line.Deleted {
			return fmt.Errorf("budget: line %d is deleted: %w", id, shared.ErrStateConflict)
		}
		ex, err := s.repo.GetExerciseTx(ctx, tx, line.ExerciseID)
		if err != nil {
			return err
		}
		if err := s.guardEditableTx(ctx, tx, ex); err != nil {
			return err
		}
		lines, err := s.repo.ListLinesTx(ctx, tx, ex.ID)
		if err != nil {
			return err
		}
		tree := BuildTree(lines)

		if in.Label != nil {
			label := strings.TrimSpace(*in.Label)
			if label == "" {
				return fmt.Errorf("budget: label required: %w", shared.ErrValidation)
			}
			line.Label = label
		}
		if in.Active != nil {
			line.Active = *in.Active
		}
		if in.Planned != nil && !in.Planned.Equal(line.Planned) {
			if in.Planned.IsNegative() {
				return fmt.Errorf("budget: planned amount cannot be negative: %w", shared.ErrValidation)
			}
			if tree.HasChildren(line.ID) {
				return fmt.Errorf("budget: line %s aggregates its children, planned amount is read-only: %w", line.Code, shared.ErrStateConflict)
			}
			old := line.Planned
			line.Planned = *in.Planned
			if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
				Entity: "budget_line", EntityID: line.ID, Action: "UPDATE", Field: "planned",
				OldValue: old.String(), NewValue: line.Planned.String(),
				ActorID: actor.ID, Actor: actor.Name, At: s.now(),
			}); err != nil {
				return err
			}
		}
		if err := s.repo.UpdateLineTx(ctx, tx, line); err != nil {
			return err
		}
		updated = line
		return s.recomputeTx(ctx, tx, ex.ID)
	})
	if err != nil {
		return Line{}, err
	}
	return updated, nil
}

// DeleteLine soft-deletes a childless, unreferenced line.
func (s *Service) DeleteLine(ctx context.Context, id int64) error {
	actor, _ := shared.ActorFromContext(ctx)
	return s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		line, err := s.repo.LoadLineForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if line.Deleted {
			return fmt.Errorf("budget: line %d already deleted: %w", id, shared.ErrStateConflict)
		}
		ex, err := s.repo.GetExerciseTx(ctx, tx, line.ExerciseID)
		if err != nil {
			return err
		}
		if err := s.guardEditableTx(ctx, tx, ex); err != nil {
			return err
		}
		lines, err := s.repo.ListLinesTx(ctx, tx, ex.ID)
		if err != nil {
			return err
		}
		if BuildTree(lines).HasChildren(id) {
			return fmt.Errorf("budget: line %s has children: %w", line.Code, shared.ErrStateConflict)
		}
		referenced, err := s.repo.LineIsReferenced(ctx, tx, id)
		if err != nil {
			return err
		}
		if referenced {
			return fmt.Errorf("budget: line %s is referenced by requisitions, receipts, or disbursements: %w", line.Code, shared.ErrStateConflict)
		}
		now := s.now()
		actorID := actor.ID
		if err := s.repo.SetLineDeletedTx(ctx, tx, id, true, &now, &actorID); err != nil {
			return err
		}
		// When the last live child goes, the parent becomes a leaf again;
		// clear its stored aggregate so it does not linger.
		if line.ParentID != nil && !hasOtherLiveChild(lines, *line.ParentID, id) {
			if err := s.repo.SetLineTotalsTx(ctx, tx, *line.ParentID, Totals{}); err != nil {
				return err
			}
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "budget_line", EntityID: id, Action: "DELETE", Field: "deleted",
			OldValue: "false", NewValue: "true", ActorID: actor.ID, Actor: actor.Name, At: now,
		}); err != nil {
			return err
		}
		return s.recomputeTx(ctx, tx, ex.ID)
	})
}

// RestoreLine reverses a soft delete.
func (s *Service) RestoreLine(ctx context.Context, id int64) error {
	actor, _ := shared.ActorFromContext(ctx)
	return s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		line, err := s.repo.LoadLineForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !line.Deleted {
			return fmt.Errorf("budget: line %d is not deleted: %w", id, shared.ErrStateConflict)
		}
		ex, err := s.repo.GetExerciseTx(ctx, tx, line.ExerciseID)
		if err != nil {
			return err
		}
		if err := s.guardEditableTx(ctx, tx, ex); err != nil {
			return err
		}
		if err := s.repo.SetLineDeletedTx(ctx, tx, id, false, nil, nil); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "budget_line", EntityID: id, Action: "RESTORE", Field: "deleted",
			OldValue: "true", NewValue: "false", ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		}); err != nil {
			return err
		}
		return s.recomputeTx(ctx, tx, ex.ID)
	})
}

// ImportLines bulk-creates lines for one exercise and line type. Rows with
// missing fields are reported individually; rows whose normalized code
// already exists are skipped. Parents referenced by code are linked in a
// second pass so a child may precede its parent in the file.
func (s *Service) ImportLines(ctx context.Context, year int, lineType LineType, rows []ImportRow) (ImportResult, error) {
	if lineType != LineTypeRevenue && lineType != LineTypeExpense {
		return ImportResult{}, fmt.Errorf("budget: unknown line type %q: %w", lineType, shared.ErrValidation)
	}
	if len(rows) == 0 {
		return ImportResult{}, fmt.Errorf("budget: no rows to import: %w", shared.ErrValidation)
	}
	actor, _ := shared.ActorFromContext(ctx)
	var result ImportResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		result = ImportResult{}
		ex, err := s.ensureExerciseTx(ctx, tx, year)
		if err != nil {
			return err
		}
		if err := s.guardEditableTx(ctx, tx, ex); err != nil {
			return err
		}
		existing, err := s.repo.ListLinesTx(ctx, tx, ex.ID)
		if err != nil {
			return err
		}
		liveCodes := make(map[string]int64)
		for _, l := range existing {
			if !l.Deleted {
				liveCodes[l.Code] = l.ID
			}
		}

		type pending struct {
			id         int64
			row        int
			parentCode string
		}
		var inserted []pending
		for i, row := range rows {
			code := NormalizeCode(row.Code)
			label := strings.TrimSpace(row.Label)
			switch {
			case code == "":
				result.Errors = append(result.Errors, ImportRowError{Row: i + 1, Reason: "missing code"})
				continue
			case label == "":
				result.Errors = append(result.Errors, ImportRowError{Row: i + 1, Reason: "missing label"})
				continue
			case row.Planned.IsNegative():
				result.Errors = append(result.Errors, ImportRowError{Row: i + 1, Reason: "negative planned amount"})
				continue
			}
			if _, dup := liveCodes[code]; dup {
				result.Skipped++
				continue
			}
			id, err := s.repo.InsertLineTx(ctx, tx, Line{
				ExerciseID: ex.ID,
				Code:       code,
				Label:      label,
				Type:       lineType,
				Planned:    row.Planned,
				Active:     true,
			})
			if err != nil {
				return err
			}
			liveCodes[code] = id
			inserted = append(inserted, pending{id: id, row: i + 1, parentCode: NormalizeCode(row.ParentCode)})
			result.Imported++
		}

		// Second pass: parents may arrive later in the same file. A row
		// whose parent chain loops back onto itself keeps its line as a
		// root and reports the bad link instead of corrupting the tree.
		parentOf := make(map[int64]int64)
		for _, l := range existing {
			if !l.Deleted && l.ParentID != nil {
				parentOf[l.ID] = *l.ParentID
			}
		}
		for _, p := range inserted {
			if p.parentCode == "" {
				continue
			}
			parentID, ok := liveCodes[p.parentCode]
			if !ok || parentID == p.id {
				continue
			}
			if chainContains(parentOf, parentID, p.id) {
				result.Errors = append(result.Errors, ImportRowError{Row: p.row, Reason: "parent link would create a cycle"})
				continue
			}
			if err := s.repo.SetLineParentTx(ctx, tx, p.id, &parentID); err != nil {
				return err
			}
			parentOf[p.id] = parentID
		}

		if result.Imported > 0 {
			if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
				Entity: "fiscal_exercise", EntityID: ex.ID, Action: "IMPORT", Field: "lines",
				NewValue: fmt.Sprintf("%d imported, %d skipped", result.Imported, result.Skipped),
				ActorID:  actor.ID, Actor: actor.Name, At: s.now(),
			}); err != nil {
				return err
			}
		}
		return s.recomputeTx(ctx, tx, ex.ID)
	})
	if err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

// chainContains walks the parent chain up from id and reports whether
// target sits on it. The seen set bounds the walk on pre-existing loops.
func chainContains(parentOf map[int64]int64, id, target int64) bool {
	seen := make(map[int64]bool)
	for {
		if id == target {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		next, ok := parentOf[id]
		if !ok {
			return false
		}
		id = next
	}
}

// LineTree returns the nested roll-up view of one exercise.
func (s *Service) LineTree(ctx context.Context, year int) (ExerciseTree, error) {
	ex, err := s.repo.GetExerciseByYear(ctx, year)
	if err != nil {
		return ExerciseTree{}, err
	}
	lines, err := s.repo.ListLines(ctx, ex.ID)
	if err != nil {
		return ExerciseTree{}, err
	}
	tree := BuildTree(lines)
	return ExerciseTree{
		Exercise: ex,
		Revenue:  tree.View(LineTypeRevenue),
		Expense:  tree.View(LineTypeExpense),
	}, nil
}

// RollUpLine computes the aggregate for one line on demand.
func (s *Service) RollUpLine(ctx context.Context, id int64) (RollUp, error) {
	line, err := s.repo.GetLine(ctx, id)
	if err != nil {
		return RollUp{}, err
	}
	lines, err := s.repo.ListLines(ctx, line.ExerciseID)
	if err != nil {
		return RollUp{}, err
	}
	ru, ok := BuildTree(lines).RollUp(id)
	if !ok {
		return RollUp{}, fmt.Errorf("budget: line %d: %w", id, shared.ErrNotFound)
	}
	return ru, nil
}

// ListExercises returns every exercise.
func (s *Service) ListExercises(ctx context.Context) ([]Exercise, error) {
	return s.repo.ListExercises(ctx)
}

// VoteExercise moves a draft exercise to voted.
func (s *Service) VoteExercise(ctx context.Context, year int) (Exercise, error) {
	return s.transitionExercise(ctx, year, ExerciseStatusDraft, ExerciseStatusVoted, "VOTE", false)
}

// CloseExercise moves a voted exercise to closed.
func (s *Service) CloseExercise(ctx context.Context, year int) (Exercise, error) {
	return s.transitionExercise(ctx, year, ExerciseStatusVoted, ExerciseStatusClosed, "CLOSE", false)
}

// ReopenExercise moves a closed exercise back to voted. Rejected once a
// newer exercise exists: past years stay shut.
func (s *Service) ReopenExercise(ctx context.Context, year int) (Exercise, error) {
	return s.transitionExercise(ctx, year, ExerciseStatusClosed, ExerciseStatusVoted, "REOPEN", true)
}

func (s *Service) transitionExercise(ctx context.Context, year int, from, to ExerciseStatus, action string, guardLocked bool) (Exercise, error) {
	actor, _ := shared.ActorFromContext(ctx)
	var out Exercise
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ex, err := s.repo.GetExerciseByYearTx(ctx, tx, year)
		if err != nil {
			return err
		}
		if ex.Status != from {
			return fmt.Errorf("budget: exercise %d is %s, expected %s: %w", year, ex.Status, from, shared.ErrStateConflict)
		}
		if guardLocked {
			maxYear, err := s.repo.MaxYearTx(ctx, tx)
			if err != nil {
				return err
			}
			if ex.Year < maxYear {
				return fmt.Errorf("budget: exercise %d locked by %d: %w", ex.Year, maxYear, shared.ErrStateConflict)
			}
		}
		if err := s.repo.UpdateExerciseStatusTx(ctx, tx, ex.ID, to); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "fiscal_exercise", EntityID: ex.ID, Action: action, Field: "status",
			OldValue: string(from), NewValue: string(to), ActorID: actor.ID, Actor: actor.Name, At: s.now(),
		}); err != nil {
			return err
		}
		ex.Status = to
		out = ex
		return nil
	})
	if err != nil {
		return Exercise{}, err
	}
	return out, nil
}

// InitializeNextExercise copies the source year's lines into the target year
// with planned amounts scaled by the growth coefficient, zeroed consumption,
// parents relinked by code, and a carry-forward revenue line holding the
// source year's unspent expense balance.
func (s *Service) InitializeNextExercise(ctx context.Context, in InitializeInput) (Exercise, error) {
	if in.TargetYear == in.SourceYear {
		return Exercise{}, fmt.Errorf("budget: target year must differ from source year: %w", shared.ErrValidation)
	}
	actor, _ := shared.ActorFromContext(ctx)
	factor := decimal.NewFromInt(1).Add(in.GrowthCoefficient)
	var target Exercise
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		source, err := s.repo.GetExerciseByYearTx(ctx, tx, in.SourceYear)
		if err != nil {
			return err
		}
		srcLines, err := s.repo.ListLinesTx(ctx, tx, source.ID)
		if err != nil {
			return err
		}
		srcTree := BuildTree(srcLines)

		target, err = s.repo.GetExerciseByYearTx(ctx, tx, in.TargetYear)
		if shared.IsNotFound(err) {
			target, err = s.repo.InsertExerciseTx(ctx, tx, in.TargetYear, ExerciseStatusDraft)
		}
		if err != nil {
			return err
		}
		targetLines, err := s.repo.ListLinesTx(ctx, tx, target.ID)
		if err != nil {
			return err
		}
		hasLive := false
		for _, l := range targetLines {
			if !l.Deleted {
				hasLive = true
				break
			}
		}
		if hasLive {
			if !in.Overwrite {
				return fmt.Errorf("budget: exercise %d already has lines: %w", in.TargetYear, shared.ErrStateConflict)
			}
			if err := s.repo.SoftDeleteExerciseLinesTx(ctx, tx, target.ID, actor.ID, s.now()); err != nil {
				return err
			}
		}

		newByOld := make(map[int64]int64)
		newByCode := make(map[string]int64)
		for _, src := range srcLines {
			if src.Deleted {
				continue
			}
			planned := decimal.Zero
			if !srcTree.HasChildren(src.ID) {
				planned = src.Planned.Mul(factor).Round(2)
			}
			id, err := s.repo.InsertLineTx(ctx, tx, Line{
				ExerciseID: target.ID,
				Code:       src.Code,
				Label:      src.Label,
				Type:       src.Type,
				Planned:    planned,
				Active:     src.Active,
			})
			if err != nil {
				return err
			}
			newByOld[src.ID] = id
			newByCode[src.Code] = id
		}
		for _, src := range srcLines {
			if src.Deleted || src.ParentID == nil {
				continue
			}
			childID, ok := newByOld[src.ID]
			if !ok {
				continue
			}
			if parentID, ok := newByOld[*src.ParentID]; ok {
				if err := s.repo.SetLineParentTx(ctx, tx, childID, &parentID); err != nil {
					return err
				}
			}
		}

		carry := carryForward(srcTree, srcLines)
		if carryID, ok := newByCode[CarryForwardCode]; ok {
			carryLine, err := s.repo.LoadLineForUpdate(ctx, tx, carryID)
			if err != nil {
				return err
			}
			carryLine.Planned = carry
			if err := s.repo.UpdateLineTx(ctx, tx, carryLine); err != nil {
				return err
			}
		} else {
			if _, err := s.repo.InsertLineTx(ctx, tx, Line{
				ExerciseID: target.ID,
				Code:       CarryForwardCode,
				Label:      fmt.Sprintf("Report à nouveau %d", in.SourceYear),
				Type:       LineTypeRevenue,
				Planned:    carry,
				Active:     true,
			}); err != nil {
				return err
			}
		}

		if err := s.audit.RecordTx(ctx, tx, shared.AuditEntry{
			Entity: "fiscal_exercise", EntityID: target.ID, Action: "INITIALIZE", Field: "lines",
			NewValue: fmt.Sprintf("from %d, coefficient %s", in.SourceYear, in.GrowthCoefficient.String()),
			ActorID:  actor.ID, Actor: actor.Name, At: s.now(),
		}); err != nil {
			return err
		}
		return s.recomputeTx(ctx, tx, target.ID)
	})
	if err != nil {
		return Exercise{}, err
	}
	return target, nil
}

// CheckOverrunAllowed reports whether the role may push a line past its
// planned amount under the current global policy.
func (s *Service) CheckOverrunAllowed(ctx context.Context, role string) (bool, error) {
	if s.policy == nil {
		return true, nil
	}
	policy, err := s.policy.OverrunPolicy(ctx)
	if err != nil {
		return false, err
	}
	return policy.Allows(role), nil
}

// Line returns one budget line.
func (s *Service) Line(ctx context.Context, id int64) (Line, error) {
	return s.repo.GetLine(ctx, id)
}

// LineForUpdate locks a line on the caller's transaction. Used by the
// disbursement and receipt flows.
func (s *Service) LineForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Line, error) {
	return s.repo.LoadLineForUpdate(ctx, tx, id)
}

// Consume shifts a leaf line's paid/committed counters on the caller's
// transaction and recomputes its ancestors. Parents are rejected: their
// stored totals are the sums of their children, so an increment written
// there would be overwritten by the next roll-up.
func (s *Service) Consume(ctx context.Context, tx pgx.Tx, id int64, paidDelta, committedDelta decimal.Decimal) error {
	line, err := s.repo.LoadLineForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if line.Deleted || !line.Active {
		return fmt.Errorf("budget: line %s is not active: %w", line.Code, shared.ErrStateConflict)
	}
	lines, err := s.repo.ListLinesTx(ctx, tx, line.ExerciseID)
	if err != nil {
		return err
	}
	if BuildTree(lines).HasChildren(id) {
		return fmt.Errorf("budget: line %s has children, only leaf lines take consumption: %w", line.Code, shared.ErrStateConflict)
	}
	if err := s.repo.AddConsumptionTx(ctx, tx, id, paidDelta, committedDelta); err != nil {
		return err
	}
	return s.recomputeTx(ctx, tx, line.ExerciseID)
}

// LineHasChildren reports whether any live line hangs under the given one.
// Charging flows use it to refuse parent lines up front.
func (s *Service) LineHasChildren(ctx context.Context, id int64) (bool, error) {
	line, err := s.repo.GetLine(ctx, id)
	if err != nil {
		return false, err
	}
	lines, err := s.repo.ListLines(ctx, line.ExerciseID)
	if err != nil {
		return false, err
	}
	return BuildTree(lines).HasChildren(id), nil
}

// ensureExerciseTx loads the exercise for a year, creating it as a draft on
// first use. Creating an exercise older than the newest known year is
// rejected: that range is locked.
func (s *Service) ensureExerciseTx(ctx context.Context, tx pgx.Tx, year int) (Exercise, error) {
	if year < 1900 || year > 9999 {
		return Exercise{}, fmt.Errorf("budget: invalid year %d: %w", year, shared.ErrValidation)
	}
	ex, err := s.repo.GetExerciseByYearTx(ctx, tx, year)
	if err == nil {
		return ex, nil
	}
	if !shared.IsNotFound(err) {
		return Exercise{}, err
	}
	maxYear, err := s.repo.MaxYearTx(ctx, tx)
	if err != nil {
		return Exercise{}, err
	}
	if maxYear != 0 && year < maxYear {
		return Exercise{}, fmt.Errorf("budget: year %d precedes newest exercise %d: %w", year, maxYear, shared.ErrStateConflict)
	}
	return s.repo.InsertExerciseTx(ctx, tx, year, ExerciseStatusDraft)
}

func (s *Service) guardEditableTx(ctx context.Context, tx pgx.Tx, ex Exercise) error {
	if ex.Status == ExerciseStatusClosed {
		return fmt.Errorf("budget: exercise %d is closed: %w", ex.Year, shared.ErrStateConflict)
	}
	maxYear, err := s.repo.MaxYearTx(ctx, tx)
	if err != nil {
		return err
	}
	if ex.Year < maxYear {
		return fmt.Errorf("budget: exercise %d locked by %d: %w", ex.Year, maxYear, shared.ErrStateConflict)
	}
	return nil
}

// recomputeTx reloads the exercise's lines and persists fresh aggregates on
// every parent whose stored totals drifted.
func (s *Service) recomputeTx(ctx context.Context, tx pgx.Tx, exerciseID int64) error {
	lines, err := s.repo.ListLinesTx(ctx, tx, exerciseID)
	if err != nil {
		return err
	}
	tree := BuildTree(lines)
	for id, totals := range tree.AggregateTotals() {
		line, _ := tree.Line(id)
		if line.Planned.Equal(totals.Planned) && line.Committed.Equal(totals.Committed) && line.Paid.Equal(totals.Paid) {
			continue
		}
		if err := s.repo.SetLineTotalsTx(ctx, tx, id, totals); err != nil {
			return err
		}
	}
	return nil
}

// carryForward computes the source year's unspent expense balance: planned
// minus paid over expense leaves (counting leaves only avoids double
// counting through parent roll-ups). Negative balances carry nothing.
func carryForward(tree *Tree, lines []Line) decimal.Decimal {
	var planned, paid decimal.Decimal
	for _, l := range lines {
		if l.Deleted || l.Type != LineTypeExpense || tree.HasChildren(l.ID) {
			continue
		}
		planned = planned.Add(l.Planned)
		paid = paid.Add(l.Paid)
	}
	carry := planned.Sub(paid)
	if carry.IsNegative() {
		return decimal.Zero
	}
	return carry
}

func hasOtherLiveChild(lines []Line, parentID, exceptID int64) bool {
	for _, l := range lines {
		if l.ID == exceptID || l.Deleted || l.ParentID == nil {
			continue
		}
		if *l.ParentID == parentID {
			return true
		}
	}
	return false
}

func resolveParent(tree *Tree, exerciseID int64, parentID *int64, parentCode string) (*int64, error) {
	if parentID != nil {
		parent, ok := tree.Line(*parentID)
		if !ok || parent.Deleted {
			return nil, fmt.Errorf("budget: parent line %d: %w", *parentID, shared.ErrNotFound)
		}
		if parent.ExerciseID != exerciseID {
			return nil, fmt.Errorf("budget: parent line belongs to another exercise: %w", shared.ErrValidation)
		}
		return parentID, nil
	}
	code := NormalizeCode(parentCode)
	if code == "" {
		return nil, nil
	}
	candidates := tree.FindByCode(code)
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("budget: parent code %q: %w", code, shared.ErrNotFound)
	case 1:
		id := candidates[0].ID
		return &id, nil
	default:
		return nil, fmt.Errorf("budget: parent code %q matches %d lines: %w", code, len(candidates), shared.ErrStateConflict)
	}
}
