package disbursement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates disbursement states. There is no delete; a wrong payment
// is cancelled, and a wrong cancellation re-validated.
type Status string

const (
	StatusValid     Status = "VALID"
	StatusCancelled Status = "CANCELLED"
)

// Disbursement is one outgoing payment, either tied to an approved
// requisition or entered administratively against a budget line. The
// exchange rate is snapshotted at creation and never re-read.
type Disbursement struct {
	ID            int64           `json:"id"`
	Reference     string          `json:"reference"`
	RequisitionID *int64          `json:"requisitionId,omitempty"`
	BudgetLineID  int64           `json:"budgetLineId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMode   string          `json:"paymentMode"`
	Beneficiary   string          `json:"beneficiary"`
	PaymentDate   time.Time       `json:"paymentDate"`
	Status        Status          `json:"status"`
	CancelReason  *string         `json:"cancelReason,omitempty"`
	ExchangeRate  decimal.Decimal `json:"exchangeRate"`

	CreatedBy     int64     `json:"createdBy"`
	CreatedByName string    `json:"createdByName"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
