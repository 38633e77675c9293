package budget

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Tree is an arena over the lines of one exercise. Nodes reference each
// other by id, never by pointer, so ownership stays flat; roll-ups walk the
// children index in post-order.
type Tree struct {
	lines    []Line
	byID     map[int64]int
	children map[int64][]int
	linked   map[int64]bool
	byCode   map[string][]int
}

// BuildTree indexes the given lines. Deleted lines are kept addressable
// (restore needs them) but never contribute to children sets or sums.
func BuildTree(lines []Line) *Tree {
	t := &Tree{
		lines:    lines,
		byID:     make(map[int64]int, len(lines)),
		children: make(map[int64][]int),
		linked:   make(map[int64]bool),
		byCode:   make(map[string][]int),
	}
	for i, line := range lines {
		t.byID[line.ID] = i
		t.byCode[line.Code] = append(t.byCode[line.Code], i)
	}
	for i, line := range lines {
		if line.Deleted || line.ParentID == nil {
			continue
		}
		pid := *line.ParentID
		if _, ok := t.byID[pid]; !ok {
			continue
		}
		// A parent edge that closes a cycle is dropped; the line stays a
		// root so sums and walks terminate.
		if pid == line.ID || t.hasAncestor(pid, line.ID) {
			continue
		}
		t.children[pid] = append(t.children[pid], i)
		t.linked[line.ID] = true
	}
	return t
}

// hasAncestor reports whether target appears in the parent chain above id.
func (t *Tree) hasAncestor(id, target int64) bool {
	for _, aid := range t.AncestorIDs(id) {
		if aid == target {
			return true
		}
	}
	return false
}

// Line returns the line by id.
func (t *Tree) Line(id int64) (Line, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Line{}, false
	}
	return t.lines[i], true
}

// FindByCode returns all non-deleted lines carrying the normalized code.
func (t *Tree) FindByCode(code string) []Line {
	var out []Line
	for _, i := range t.byCode[code] {
		if !t.lines[i].Deleted {
			out = append(out, t.lines[i])
		}
	}
	return out
}

// HasChildren reports whether the line has at least one non-deleted child.
func (t *Tree) HasChildren(id int64) bool {
	return len(t.children[id]) > 0
}

// AncestorIDs returns the chain of parent ids from the line up to its root.
func (t *Tree) AncestorIDs(id int64) []int64 {
	var out []int64
	i, ok := t.byID[id]
	if !ok {
		return nil
	}
	seen := map[int64]bool{id: true}
	for t.lines[i].ParentID != nil {
		pid := *t.lines[i].ParentID
		if seen[pid] {
			break
		}
		seen[pid] = true
		pi, ok := t.byID[pid]
		if !ok {
			break
		}
		out = append(out, pid)
		i = pi
	}
	return out
}

// Totals is the persisted amount triple of a line.
type Totals struct {
	Planned   decimal.Decimal
	Committed decimal.Decimal
	Paid      decimal.Decimal
}

// RollUp computes the recursive aggregate for one line. A leaf's values are
// its stored fields; an internal node's values are the sums of its
// non-deleted children's roll-ups.
func (t *Tree) RollUp(id int64) (RollUp, bool) {
	i, ok := t.byID[id]
	if !ok {
		return RollUp{}, false
	}
	totals := t.subtreeTotals(i)
	line := t.lines[i]
	return makeRollUp(line.Type, totals.Planned, totals.Committed, totals.Paid), true
}

func (t *Tree) subtreeTotals(i int) Totals {
	line := t.lines[i]
	kids := t.children[line.ID]
	if len(kids) == 0 {
		return Totals{Planned: line.Planned, Committed: line.Committed, Paid: line.Paid}
	}
	var sum Totals
	for _, ci := range kids {
		child := t.subtreeTotals(ci)
		sum.Planned = sum.Planned.Add(child.Planned)
		sum.Committed = sum.Committed.Add(child.Committed)
		sum.Paid = sum.Paid.Add(child.Paid)
	}
	return sum
}

// AggregateTotals returns the recomputed totals for every line that has
// children, keyed by line id. The ledger persists these after each
// structural or monetary change so parents never carry stale aggregates.
func (t *Tree) AggregateTotals() map[int64]Totals {
	out := make(map[int64]Totals)
	for _, line := range t.lines {
		if line.Deleted {
			continue
		}
		if i, ok := t.byID[line.ID]; ok && len(t.children[line.ID]) > 0 {
			out[line.ID] = t.subtreeTotals(i)
		}
	}
	return out
}

// View assembles the nested tree of roll-ups for one line type, roots and
// children ordered by code.
func (t *Tree) View(lineType LineType) []*TreeNode {
	var roots []*TreeNode
	for i, line := range t.lines {
		if line.Deleted || line.Type != lineType {
			continue
		}
		if t.linked[line.ID] {
			continue
		}
		roots = append(roots, t.buildNode(i))
	}
	sort.Slice(roots, func(a, b int) bool { return roots[a].Line.Code < roots[b].Line.Code })
	return roots
}

func (t *Tree) buildNode(i int) *TreeNode {
	line := t.lines[i]
	totals := t.subtreeTotals(i)
	node := &TreeNode{
		Line:   line,
		RollUp: makeRollUp(line.Type, totals.Planned, totals.Committed, totals.Paid),
	}
	for _, ci := range t.children[line.ID] {
		node.Children = append(node.Children, t.buildNode(ci))
	}
	sort.Slice(node.Children, func(a, b int) bool { return node.Children[a].Line.Code < node.Children[b].Line.Code })
	return node
}
