package shared

import "errors"

// Error kinds surfaced by the treasury core. Every guard violation wraps one
// of these so the transport layer can map it without knowing the rule.
var (
	// ErrValidation indicates malformed caller input (bad code, negative
	// amount, missing required field).
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict indicates the entity is not in a state that permits
	// the requested operation (closed exercise, wrong workflow status,
	// line has children).
	ErrStateConflict = errors.New("state conflict")
	// ErrForbidden indicates the acting identity is not allowed to perform
	// the operation (segregation of duties, unauthorized overrun).
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded indicates a document sequence ran out for the year.
	ErrCapacityExceeded = errors.New("sequence capacity exceeded")
	// ErrConflict indicates a uniqueness violation (duplicate code).
	ErrConflict = errors.New("duplicate entry")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
