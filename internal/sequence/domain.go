package sequence

import "time"

// Document types that consume reference numbers.
const (
	DocTypeRequisition  = "REQ"
	DocTypeDisbursement = "PAY"
	DocTypeReceipt      = "ENC"
)

// MaxPerYear is the highest counter value the 4-digit suffix can carry.
const MaxPerYear = 9999

// Counter is one row of document_sequences: the last issued value for a
// (document type, calendar year) pair.
type Counter struct {
	DocType   string
	Year      int
	LastValue int
	UpdatedAt time.Time
}
