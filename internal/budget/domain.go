package budget

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ExerciseStatus enumerates fiscal exercise lifecycle stages.
type ExerciseStatus string

const (
	ExerciseStatusDraft  ExerciseStatus = "DRAFT"
	ExerciseStatusVoted  ExerciseStatus = "VOTED"
	ExerciseStatusClosed ExerciseStatus = "CLOSED"
)

// LineType distinguishes credit and debit sides of the budget.
type LineType string

const (
	LineTypeRevenue LineType = "REVENUE"
	LineTypeExpense LineType = "EXPENSE"
)

// Exercise is one budget year. At most one exercise exists per year, and an
// exercise older than the newest known year is locked regardless of status.
type Exercise struct {
	ID        int64
	Year      int
	Status    ExerciseStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line models a budget line item. Lines form a tree within their exercise;
// a line with children carries aggregated amounts that are recomputed from
// its descendants on every change, never edited directly.
type Line struct {
	ID         int64
	ExerciseID int64
	Code       string
	Label      string
	Type       LineType
	ParentID   *int64
	Planned    decimal.Decimal
	Committed  decimal.Decimal
	Paid       decimal.Decimal
	Active     bool
	Deleted    bool
	DeletedAt  *time.Time
	DeletedBy  *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RollUp aggregates a line and its non-deleted descendants.
type RollUp struct {
	Planned         decimal.Decimal `json:"planned"`
	Committed       decimal.Decimal `json:"committed"`
	Paid            decimal.Decimal `json:"paid"`
	Available       decimal.Decimal `json:"available"`
	PercentConsumed decimal.Decimal `json:"percentConsumed"`
}

// TreeNode is a line with its roll-up and children, used by the read API.
type TreeNode struct {
	Line     Line        `json:"line"`
	RollUp   RollUp      `json:"rollUp"`
	Children []*TreeNode `json:"children,omitempty"`
}

// OverrunPolicy is the global spending-over-budget policy. It is loaded from
// settings and passed into operations as a value, never read ambiently.
type OverrunPolicy struct {
	Enforce      bool
	AllowedRoles []string
}

// Allows reports whether the role may exceed a line's planned amount.
// When enforcement is off, everyone may.
func (p OverrunPolicy) Allows(role string) bool {
	if !p.Enforce {
		return true
	}
	for _, allowed := range p.AllowedRoles {
		if strings.EqualFold(allowed, role) {
			return true
		}
	}
	return false
}

var codeSeparators = map[rune]bool{'-': true, '_': true, '.': true, '/': true}

// NormalizeCode strips whitespace and collapses repeated separators, so that
// "70 --  01" and "70-01" name the same line.
func NormalizeCode(code string) string {
	var b strings.Builder
	var lastSep rune
	for _, r := range code {
		if unicode.IsSpace(r) {
			continue
		}
		if codeSeparators[r] {
			if lastSep == r {
				continue
			}
			lastSep = r
			b.WriteRune(r)
			continue
		}
		lastSep = 0
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), "-_./")
}

// consumed returns the amount counted against planned: paid for expense
// lines, committed for revenue lines (revenue is recognized, not spent).
func consumed(t LineType, committed, paid decimal.Decimal) decimal.Decimal {
	if t == LineTypeRevenue {
		return committed
	}
	return paid
}

var hundred = decimal.NewFromInt(100)

func makeRollUp(t LineType, planned, committed, paid decimal.Decimal) RollUp {
	used := consumed(t, committed, paid)
	ru := RollUp{
		Planned:   planned,
		Committed: committed,
		Paid:      paid,
		Available: planned.Sub(used),
	}
	if !planned.IsZero() {
		ru.PercentConsumed = used.Mul(hundred).DivRound(planned, 2)
	}
	return ru
}
