package settings

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settings is the singleton treasury configuration row. It is loaded at the
// start of an operation and passed into services as a value, never read
// ambiently mid-flight.
type Settings struct {
	BlockOverruns  bool            `json:"blockOverruns"`
	OverrunRoles   []string        `json:"overrunRoles"`
	PresidentLine  string          `json:"presidentLine"`
	TreasurerLine  string          `json:"treasurerLine"`
	ExchangeRate   decimal.Decimal `json:"exchangeRate"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	UpdatedByActor string          `json:"updatedByActor"`
}

// Signatories carries the print labels snapshotted onto final approvals.
type Signatories struct {
	PresidentLine string
	TreasurerLine string
}

// CashClosing records one drawer close. Disbursements and receipts cannot be
// backdated to or before the latest closed-through date.
type CashClosing struct {
	ID            int64     `json:"id"`
	ClosedThrough time.Time `json:"closedThrough"`
	ClosedBy      string    `json:"closedBy"`
	CreatedAt     time.Time `json:"createdAt"`
}
