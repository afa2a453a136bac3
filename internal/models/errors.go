package models

import "errors"

var (
	ErrValidation      = errors.New("validation error")
	ErrStorage         = errors.New("storage error")
	ErrTimeout         = errors.New("timeout")
	ErrConflict        = errors.New("conflict")
	ErrProcessing      = errors.New("processing error")
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrForbidden       = errors.New("forbidden")
	// ErrNotClaimable means a job is leased, not yet due, or gone.
	ErrNotClaimable = errors.New("job not claimable")
)

// FieldError reports a single invalid metadata field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *FieldError) Unwrap() error {
	return ErrValidation
}

func Invalid(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}
