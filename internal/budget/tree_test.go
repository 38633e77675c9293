package budget

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"70-01":       "70-01",
		"70 --  01":   "70-01",
		"  70.01  ":   "70.01",
		"70..01":      "70.01",
		"-70-01-":     "70-01",
		"70-_01":      "70-_01",
		"70 01":       "7001",
		"":            "",
		"---":         "",
		"A / B // C ": "A/B/C",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeCode(in), "input %q", in)
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fixtureLines() []Line {
	parent := int64(1)
	return []Line{
		{ID: 1, ExerciseID: 10, Code: "60", Label: "Charges", Type: LineTypeExpense, Active: true},
		{ID: 2, ExerciseID: 10, Code: "60-01", Label: "Fournitures", Type: LineTypeExpense, ParentID: &parent,
			Planned: dec("1000"), Committed: dec("200"), Paid: dec("150"), Active: true},
		{ID: 3, ExerciseID: 10, Code: "60-02", Label: "Locations", Type: LineTypeExpense, ParentID: &parent,
			Planned: dec("500"), Committed: dec("0"), Paid: dec("250"), Active: true},
		{ID: 4, ExerciseID: 10, Code: "70", Label: "Cotisations", Type: LineTypeRevenue,
			Planned: dec("2000"), Committed: dec("500"), Paid: dec("400"), Active: true},
	}
}

func TestTreeRollUpAggregatesChildren(t *testing.T) {
	tree := BuildTree(fixtureLines())

	ru, ok := tree.RollUp(1)
	require.True(t, ok)
	require.True(t, ru.Planned.Equal(dec("1500")), "planned %s", ru.Planned)
	require.True(t, ru.Committed.Equal(dec("200")))
	require.True(t, ru.Paid.Equal(dec("400")))
	// Expense consumption counts paid.
	require.True(t, ru.Available.Equal(dec("1100")))
	require.True(t, ru.PercentConsumed.Equal(dec("26.67")), "percent %s", ru.PercentConsumed)
}

func TestTreeRollUpRevenueCountsCommitted(t *testing.T) {
	tree := BuildTree(fixtureLines())

	ru, ok := tree.RollUp(4)
	require.True(t, ok)
	require.True(t, ru.Available.Equal(dec("1500")))
	require.True(t, ru.PercentConsumed.Equal(dec("25")))
}

func TestTreeRollUpZeroPlanned(t *testing.T) {
	tree := BuildTree([]Line{
		{ID: 1, ExerciseID: 10, Code: "65", Type: LineTypeExpense, Paid: dec("120"), Active: true},
	})

	ru, ok := tree.RollUp(1)
	require.True(t, ok)
	require.True(t, ru.PercentConsumed.IsZero())
	require.True(t, ru.Available.Equal(dec("-120")))
}

func TestTreeExcludesDeletedFromAggregates(t *testing.T) {
	lines := fixtureLines()
	lines[2].Deleted = true
	tree := BuildTree(lines)

	ru, ok := tree.RollUp(1)
	require.True(t, ok)
	require.True(t, ru.Planned.Equal(dec("1000")))
	require.True(t, ru.Paid.Equal(dec("150")))
	require.False(t, tree.HasChildren(3))
}

func TestTreeViewSortedByCode(t *testing.T) {
	parent := int64(1)
	tree := BuildTree([]Line{
		{ID: 1, ExerciseID: 10, Code: "60", Type: LineTypeExpense, Active: true},
		{ID: 2, ExerciseID: 10, Code: "60-03", Type: LineTypeExpense, ParentID: &parent, Active: true},
		{ID: 3, ExerciseID: 10, Code: "60-01", Type: LineTypeExpense, ParentID: &parent, Active: true},
		{ID: 4, ExerciseID: 10, Code: "60-02", Type: LineTypeExpense, ParentID: &parent, Active: true},
	})

	view := tree.View(LineTypeExpense)
	require.Len(t, view, 1)
	require.Len(t, view[0].Children, 3)
	require.Equal(t, "60-01", view[0].Children[0].Line.Code)
	require.Equal(t, "60-02", view[0].Children[1].Line.Code)
	require.Equal(t, "60-03", view[0].Children[2].Line.Code)
}

func TestTreeAncestorIDsStopsOnCycle(t *testing.T) {
	a, b := int64(1), int64(2)
	tree := BuildTree([]Line{
		{ID: 1, ExerciseID: 10, Code: "A", Type: LineTypeExpense, ParentID: &b, Active: true},
		{ID: 2, ExerciseID: 10, Code: "B", Type: LineTypeExpense, ParentID: &a, Active: true},
	})

	ids := tree.AncestorIDs(1)
	require.LessOrEqual(t, len(ids), 2)
}

func TestTreeDropsCyclicParentEdges(t *testing.T) {
	a, b := int64(1), int64(2)
	tree := BuildTree([]Line{
		{ID: 1, ExerciseID: 10, Code: "A", Type: LineTypeExpense, ParentID: &b, Planned: dec("100"), Active: true},
		{ID: 2, ExerciseID: 10, Code: "B", Type: LineTypeExpense, ParentID: &a, Planned: dec("200"), Active: true},
	})

	// Both edges close the loop, so both lines stand alone and walks
	// terminate.
	require.False(t, tree.HasChildren(1))
	require.False(t, tree.HasChildren(2))

	ru, ok := tree.RollUp(1)
	require.True(t, ok)
	require.True(t, ru.Planned.Equal(dec("100")))
	require.Empty(t, tree.AggregateTotals())
	require.Len(t, tree.View(LineTypeExpense), 2)
}

func TestAggregateTotalsOnlyParents(t *testing.T) {
	tree := BuildTree(fixtureLines())

	totals := tree.AggregateTotals()
	require.Len(t, totals, 1)
	require.True(t, totals[1].Planned.Equal(dec("1500")))
}
