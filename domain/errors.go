package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks requests rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates a referenced minute, task or series is absent.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the authorization collaborator denies an action.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict indicates the request is incompatible with the current state,
	// for example editing a finalized minute.
	ErrConflict = errors.New("conflict")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
