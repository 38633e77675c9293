package disbursement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/requisition"
	"github.com/tresoria/backoffice/internal/shared"
)

type memoryRepo struct {
	nextID        int64
	disbursements map[int64]Disbursement
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{disbursements: make(map[int64]Disbursement)}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (m *memoryRepo) InsertTx(ctx context.Context, _ pgx.Tx, d Disbursement) (Disbursement, error) {
	m.nextID++
	d.ID = m.nextID
	d.CreatedAt = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	m.disbursements[d.ID] = d
	return d, nil
}

func (m *memoryRepo) Get(ctx context.Context, id int64) (Disbursement, error) {
	d, ok := m.disbursements[id]
	if !ok {
		return Disbursement{}, fmt.Errorf("disbursement %d: %w", id, shared.ErrNotFound)
	}
	return d, nil
}

func (m *memoryRepo) GetForUpdateTx(ctx context.Context, _ pgx.Tx, id int64) (Disbursement, error) {
	return m.Get(ctx, id)
}

func (m *memoryRepo) UpdateStatusTx(ctx context.Context, _ pgx.Tx, id int64, status Status, cancelReason *string) error {
	d, ok := m.disbursements[id]
	if !ok {
		return fmt.Errorf("disbursement %d: %w", id, shared.ErrNotFound)
	}
	d.Status = status
	d.CancelReason = cancelReason
	m.disbursements[id] = d
	return nil
}

func (m *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Disbursement, error) {
	var out []Disbursement
	for _, d := range m.disbursements {
		out = append(out, d)
	}
	return out, nil
}

type seqStub struct {
	n int
}

func (s *seqStub) Next(ctx context.Context, _ pgx.Tx, docType string) (string, error) {
	s.n++
	return fmt.Sprintf("%s-APA-2026-%04d", docType, s.n), nil
}

type ledgerStub struct {
	lines map[int64]*budget.Line
}

func (l *ledgerStub) LineForUpdate(ctx context.Context, _ pgx.Tx, id int64) (budget.Line, error) {
	line, ok := l.lines[id]
	if !ok {
		return budget.Line{}, fmt.Errorf("line %d: %w", id, shared.ErrNotFound)
	}
	return *line, nil
}

func (l *ledgerStub) Consume(ctx context.Context, _ pgx.Tx, id int64, paidDelta, committedDelta decimal.Decimal) error {
	line, ok := l.lines[id]
	if !ok {
		return fmt.Errorf("line %d: %w", id, shared.ErrNotFound)
	}
	line.Paid = line.Paid.Add(paidDelta)
	line.Committed = line.Committed.Add(committedDelta)
	return nil
}

type policyStub struct {
	allowed bool
}

func (p *policyStub) CheckOverrunAllowed(ctx context.Context, role string) (bool, error) {
	return p.allowed, nil
}

type reqStub struct {
	requisitions map[int64]requisition.Requisition
	budgetLine   int64
	paid         []int64
}

func (r *reqStub) LoadForDisbursementTx(ctx context.Context, _ pgx.Tx, id int64) (requisition.Requisition, int64, error) {
	q, ok := r.requisitions[id]
	if !ok {
		return requisition.Requisition{}, 0, fmt.Errorf("requisition %d: %w", id, shared.ErrNotFound)
	}
	if !q.DisbursementEligible() {
		return requisition.Requisition{}, 0, fmt.Errorf("requisition %s is %s: %w", q.Reference, q.Status, shared.ErrStateConflict)
	}
	return q, r.budgetLine, nil
}

func (r *reqStub) MarkPaidTx(ctx context.Context, _ pgx.Tx, q requisition.Requisition, paidAt time.Time) error {
	r.paid = append(r.paid, q.ID)
	return nil
}

type settingsStub struct {
	rate    decimal.Decimal
	closing time.Time
}

func (s *settingsStub) ExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	return s.rate, nil
}

func (s *settingsStub) LatestClosingTx(ctx context.Context, _ pgx.Tx) (time.Time, error) {
	return s.closing, nil
}

type auditStub struct {
	entries []shared.AuditEntry
}

func (a *auditStub) RecordTx(ctx context.Context, _ pgx.Tx, entry shared.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

type idemStub struct {
	keys map[string]bool
}

func (i *idemStub) CheckAndInsert(ctx context.Context, key, module string) error {
	if i.keys[key] {
		return fmt.Errorf("key %s: %w", key, shared.ErrIdempotencyConflict)
	}
	i.keys[key] = true
	return nil
}

func (i *idemStub) Delete(ctx context.Context, key string) error {
	delete(i.keys, key)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixture struct {
	svc      *Service
	repo     *memoryRepo
	ledger   *ledgerStub
	policy   *policyStub
	reqs     *reqStub
	settings *settingsStub
	idem     *idemStub
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	ledger := &ledgerStub{lines: map[int64]*budget.Line{
		10: {ID: 10, Code: "60-01", Type: budget.LineTypeExpense, Planned: dec("1000"), Active: true},
		20: {ID: 20, Code: "70", Type: budget.LineTypeRevenue, Planned: dec("1000"), Active: true},
		30: {ID: 30, Code: "61", Type: budget.LineTypeExpense, Planned: dec("1000"), Active: false},
	}}
	policy := &policyStub{}
	reqs := &reqStub{requisitions: make(map[int64]requisition.Requisition), budgetLine: 10}
	settingsPort := &settingsStub{rate: dec("655.957")}
	idem := &idemStub{keys: make(map[string]bool)}
	clock := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	f := &fixture{
		svc:      NewService(repo, &seqStub{}, ledger, policy, reqs, settingsPort, &auditStub{}, idem, DefaultCancelWindow, slog.Default()),
		repo:     repo,
		ledger:   ledger,
		policy:   policy,
		reqs:     reqs,
		settings: settingsPort,
		idem:     idem,
		clock:    &clock,
	}
	f.svc.WithNow(func() time.Time { return *f.clock })
	return f
}

func ctxFor(id int64, name, role string) context.Context {
	return shared.ContextWithActor(context.Background(), shared.Actor{ID: id, Name: name, Role: role})
}

func TestCreateAdministrative(t *testing.T) {
	f := newFixture(t)

	d, err := f.svc.Create(ctxFor(4, "M. Tremblay", "Treasurer"), CreateInput{
		BudgetLineID: 10,
		Amount:       dec("250"),
		PaymentMode:  "CHEQUE",
		Beneficiary:  "Papeterie Centrale",
	})
	require.NoError(t, err)
	require.Equal(t, "PAY-APA-2026-0001", d.Reference)
	require.Equal(t, StatusValid, d.Status)
	require.True(t, d.ExchangeRate.Equal(dec("655.957")))
	require.Equal(t, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), d.PaymentDate)

	require.True(t, f.ledger.lines[10].Paid.Equal(dec("250")))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := ctxFor(4, "M. Tremblay", "Treasurer")

	_, err := f.svc.Create(ctx, CreateInput{Amount: dec("10")})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{BudgetLineID: 10, Amount: decimal.Zero})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{BudgetLineID: 20, Amount: dec("10")})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{BudgetLineID: 30, Amount: dec("10")})
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestCreateLinkedForcesAmount(t *testing.T) {
	f := newFixture(t)
	f.reqs.requisitions[5] = requisition.Requisition{
		ID: 5, Reference: "REQ-APA-2026-0002", Status: requisition.StatusFinallyApproved,
		Total: dec("70"), PaymentMode: "CHEQUE", Beneficiary: "Papeterie Centrale",
	}

	reqID := int64(5)
	d, err := f.svc.Create(ctxFor(4, "M. Tremblay", "Treasurer"), CreateInput{
		RequisitionID: &reqID,
		Amount:        dec("9999"),
	})
	require.NoError(t, err)
	require.True(t, d.Amount.Equal(dec("70")), "amount %s", d.Amount)
	require.Equal(t, int64(10), d.BudgetLineID)
	require.Equal(t, "CHEQUE", d.PaymentMode)
	require.Equal(t, "Papeterie Centrale", d.Beneficiary)
	require.Equal(t, []int64{5}, f.reqs.paid)
	require.True(t, f.ledger.lines[10].Paid.Equal(dec("70")))
}

func TestCreateLinkedRequiresApproval(t *testing.T) {
	f := newFixture(t)
	f.reqs.requisitions[6] = requisition.Requisition{ID: 6, Status: requisition.StatusPending, Total: dec("70")}

	reqID := int64(6)
	_, err := f.svc.Create(ctxFor(4, "M. Tremblay", "Treasurer"), CreateInput{RequisitionID: &reqID})
	require.ErrorIs(t, err, shared.ErrStateConflict)
}

func TestCreateBackdateGuard(t *testing.T) {
	f := newFixture(t)
	f.settings.closing = time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	ctx := ctxFor(4, "M. Tremblay", "Treasurer")

	_, err := f.svc.Create(ctx, CreateInput{
		BudgetLineID: 10, Amount: dec("10"),
		PaymentDate: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, shared.ErrStateConflict)

	// The closing date itself is also sealed.
	_, err = f.svc.Create(ctx, CreateInput{
		BudgetLineID: 10, Amount: dec("10"),
		PaymentDate: time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, shared.ErrStateConflict)

	_, err = f.svc.Create(ctx, CreateInput{
		BudgetLineID: 10, Amount: dec("10"),
		PaymentDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func TestCreateOverrunPolicy(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(ctxFor(1, "R. Dubois", "Member"), CreateInput{
		BudgetLineID: 10, Amount: dec("1200"),
	})
	require.ErrorIs(t, err, shared.ErrForbidden)
	require.True(t, f.ledger.lines[10].Paid.IsZero())

	f.policy.allowed = true
	d, err := f.svc.Create(ctxFor(3, "A. Morel", "President"), CreateInput{
		BudgetLineID: 10, Amount: dec("1200"),
	})
	require.NoError(t, err)
	require.True(t, d.Amount.Equal(dec("1200")))
	require.True(t, f.ledger.lines[10].Paid.Equal(dec("1200")))
}

func TestCreateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := ctxFor(4, "M. Tremblay", "Treasurer")

	_, err := f.svc.Create(ctx, CreateInput{BudgetLineID: 10, Amount: dec("10"), IdempotencyKey: "abc"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateInput{BudgetLineID: 10, Amount: dec("10"), IdempotencyKey: "abc"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	// A failed creation releases its key so the caller can retry.
	_, err = f.svc.Create(ctx, CreateInput{BudgetLineID: 99, Amount: dec("10"), IdempotencyKey: "def"})
	require.True(t, errors.Is(err, shared.ErrNotFound))
	_, err = f.svc.Create(ctx, CreateInput{BudgetLineID: 10, Amount: dec("10"), IdempotencyKey: "def"})
	require.NoError(t, err)
}

func TestCancelWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := ctxFor(4, "M. Tremblay", "Treasurer")

	d, err := f.svc.Create(ctx, CreateInput{BudgetLineID: 10, Amount: dec("250")})
	require.NoError(t, err)

	_, err = f.svc.SetStatus(ctx, d.ID, StatusCancelled, "")
	require.ErrorIs(t, err, shared.ErrValidation)

	*f.clock = f.clock.Add(20 * time.Minute)
	cancelled, err := f.svc.SetStatus(ctx, d.ID, StatusCancelled, "Mauvais bénéficiaire")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "Mauvais bénéficiaire", *cancelled.CancelReason)
	require.True(t, f.ledger.lines[10].Paid.IsZero())

	// Re-validation re-applies the increment, unbounded in time.
	*f.clock = f.clock.Add(2 * time.Hour)
	revalidated, err := f.svc.SetStatus(ctx, d.ID, StatusValid, "")
	require.NoError(t, err)
	require.Equal(t, StatusValid, revalidated.Status)
	require.Nil(t, revalidated.CancelReason)
	require.True(t, f.ledger.lines[10].Paid.Equal(dec("250")))
}

func TestCancelAfterWindowRejected(t *testing.T) {
	f := newFixture(t)
	ctx := ctxFor(4, "M. Tremblay", "Treasurer")

	d, err := f.svc.Create(ctx, CreateInput{BudgetLineID: 10, Amount: dec("250")})
	require.NoError(t, err)

	*f.clock = f.clock.Add(31 * time.Minute)
	_, err = f.svc.SetStatus(ctx, d.ID, StatusCancelled, "Trop tard")
	require.ErrorIs(t, err, shared.ErrStateConflict)
	require.True(t, f.ledger.lines[10].Paid.Equal(dec("250")))

	_, err = f.svc.SetStatus(ctx, d.ID, StatusValid, "")
	require.ErrorIs(t, err, shared.ErrStateConflict)
}
