package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates receipt states, mirroring the disbursement side.
type Status string

const (
	StatusValid     Status = "VALID"
	StatusCancelled Status = "CANCELLED"
)

// Receipt is one incoming payment credited against a revenue budget line.
// Receipts sit outside the approval workflow; they are recorded and, within
// the cancel window, reversible.
type Receipt struct {
	ID           int64           `json:"id"`
	Reference    string          `json:"reference"`
	BudgetLineID int64           `json:"budgetLineId"`
	Amount       decimal.Decimal `json:"amount"`
	PaymentMode  string          `json:"paymentMode"`
	Payer        string          `json:"payer"`
	Description  string          `json:"description"`
	ReceiptDate  time.Time       `json:"receiptDate"`
	Status       Status          `json:"status"`
	CancelReason *string         `json:"cancelReason,omitempty"`

	CreatedBy     int64     `json:"createdBy"`
	CreatedByName string    `json:"createdByName"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
