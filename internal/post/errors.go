package post

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("post not found")
	ErrConflict   = errors.New("post status conflict")
)

// ValidationError names the rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a status transition that is not allowed.
func ConflictError(id string, have Status, op string) error {
	return fmt.Errorf("%w: cannot %s post %s in status %s", ErrConflict, op, id, have)
}
