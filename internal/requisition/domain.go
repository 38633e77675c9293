package requisition

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tresoria/backoffice/internal/shared"
)

// Status enumerates the requisition workflow stages. Progress never skips a
// stage; rejection is terminal and reachable from the first two only.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusTechnicallyCleared Status = "TECHNICALLY_CLEARED"
	StatusFinallyApproved    Status = "FINALLY_APPROVED"
	StatusPaid               Status = "PAID"
	StatusRejected           Status = "REJECTED"
)

// Requisition is a spending request moving through the approval workflow.
// Signatory lines are snapshotted at final approval and never re-read, so
// later settings changes do not rewrite historical documents.
type Requisition struct {
	ID          int64           `json:"id"`
	Reference   string          `json:"reference"`
	Object      string          `json:"object"`
	PaymentMode string          `json:"paymentMode"`
	Beneficiary string          `json:"beneficiary"`
	Total       decimal.Decimal `json:"total"`
	Status      Status          `json:"status"`

	RequestedBy     int64  `json:"requestedBy"`
	RequestedByName string `json:"requestedByName"`

	ClearedBy     *int64     `json:"clearedBy,omitempty"`
	ClearedByName *string    `json:"clearedByName,omitempty"`
	ClearedAt     *time.Time `json:"clearedAt,omitempty"`

	ApprovedBy     *int64     `json:"approvedBy,omitempty"`
	ApprovedByName *string    `json:"approvedByName,omitempty"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`

	PaidAt *time.Time `json:"paidAt,omitempty"`

	RejectedBy     *int64     `json:"rejectedBy,omitempty"`
	RejectedByName *string    `json:"rejectedByName,omitempty"`
	RejectedAt     *time.Time `json:"rejectedAt,omitempty"`
	RejectReason   *string    `json:"rejectReason,omitempty"`

	PresidentLine string `json:"presidentLine,omitempty"`
	TreasurerLine string `json:"treasurerLine,omitempty"`

	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	Lines []Line `json:"lines,omitempty"`
}

// Line is one item of a requisition, charged against an expense budget line.
type Line struct {
	ID            int64           `json:"id"`
	RequisitionID int64           `json:"requisitionId"`
	BudgetLineID  int64           `json:"budgetLineId"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitAmount    decimal.Decimal `json:"unitAmount"`
	Total         decimal.Decimal `json:"total"`
}

// DisbursementEligible reports whether a disbursement may be created against
// the requisition.
func (r Requisition) DisbursementEligible() bool {
	return r.Status == StatusFinallyApproved || r.Status == StatusPaid
}

// DistinctBudgetLine returns the single budget line all items charge, or an
// error when there is none or more than one. A multi-rubric requisition
// cannot be paid out as one movement.
func DistinctBudgetLine(lines []Line) (int64, error) {
	var id int64
	for _, l := range lines {
		if l.BudgetLineID == 0 {
			continue
		}
		if id == 0 {
			id = l.BudgetLineID
			continue
		}
		if l.BudgetLineID != id {
			return 0, fmt.Errorf("requisition: items charge multiple budget lines: %w", shared.ErrStateConflict)
		}
	}
	if id == 0 {
		return 0, fmt.Errorf("requisition: no budget line attached: %w", shared.ErrStateConflict)
	}
	return id, nil
}
