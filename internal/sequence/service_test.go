package sequence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tresoria/backoffice/internal/shared"
)

type counterKey struct {
	docType string
	year    int
}

// memoryCounters serializes NextTx with a mutex, standing in for the
// exclusive counter row lock.
type memoryCounters struct {
	mu       sync.Mutex
	counters map[counterKey]int
}

func newMemoryCounters() *memoryCounters {
	return &memoryCounters{counters: make(map[counterKey]int)}
}

func (m *memoryCounters) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (m *memoryCounters) NextTx(ctx context.Context, _ pgx.Tx, docType string, year int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := counterKey{docType: docType, year: year}
	m.counters[key]++
	return m.counters[key], nil
}

func fixedClock(year int) func() time.Time {
	return func() time.Time { return time.Date(year, 6, 1, 12, 0, 0, 0, time.UTC) }
}

func TestFormat(t *testing.T) {
	require.Equal(t, "REQ-APA-2026-0001", Format(DocTypeRequisition, "APA", 2026, 1))
	require.Equal(t, "PAY-APA-2026-0042", Format(DocTypeDisbursement, "APA", 2026, 42))
	require.Equal(t, "ENC-APA-2026-9999", Format(DocTypeReceipt, "APA", 2026, 9999))
}

func TestNextIncrementsPerDocTypeAndYear(t *testing.T) {
	counters := newMemoryCounters()
	svc := NewService(counters, "APA")
	svc.WithNow(fixedClock(2026))
	ctx := context.Background()

	ref, err := svc.IssueReference(ctx, DocTypeRequisition)
	require.NoError(t, err)
	require.Equal(t, "REQ-APA-2026-0001", ref)

	ref, err = svc.IssueReference(ctx, DocTypeRequisition)
	require.NoError(t, err)
	require.Equal(t, "REQ-APA-2026-0002", ref)

	// Separate document types run separate counters.
	ref, err = svc.IssueReference(ctx, DocTypeDisbursement)
	require.NoError(t, err)
	require.Equal(t, "PAY-APA-2026-0001", ref)

	// A new year starts over at one.
	svc.WithNow(fixedClock(2027))
	ref, err = svc.IssueReference(ctx, DocTypeRequisition)
	require.NoError(t, err)
	require.Equal(t, "REQ-APA-2027-0001", ref)
}

func TestNextRequiresDocType(t *testing.T) {
	svc := NewService(newMemoryCounters(), "APA")
	_, err := svc.IssueReference(context.Background(), "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestNextCapacityExceeded(t *testing.T) {
	counters := newMemoryCounters()
	counters.counters[counterKey{docType: DocTypeReceipt, year: 2026}] = MaxPerYear - 1
	svc := NewService(counters, "APA")
	svc.WithNow(fixedClock(2026))
	ctx := context.Background()

	ref, err := svc.IssueReference(ctx, DocTypeReceipt)
	require.NoError(t, err)
	require.Equal(t, "ENC-APA-2026-9999", ref)

	_, err = svc.IssueReference(ctx, DocTypeReceipt)
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
}

func TestConcurrentIssuersNeverCollide(t *testing.T) {
	counters := newMemoryCounters()
	svc := NewService(counters, "APA")
	svc.WithNow(fixedClock(2026))

	const issuers = 50
	refs := make([]string, issuers)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < issuers; i++ {
		g.Go(func() error {
			ref, err := svc.IssueReference(ctx, DocTypeRequisition)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, issuers)
	for _, ref := range refs {
		require.NotEmpty(t, ref)
		require.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
	require.Equal(t, fmt.Sprintf("REQ-APA-2026-%04d", issuers),
		Format(DocTypeRequisition, "APA", 2026, counters.counters[counterKey{DocTypeRequisition, 2026}]))
}
