package build

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is wrapped by every error caused by the underlying
	// database. Ingestion is not considered successful when it is returned.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("build not found")
)

// ValidationError reports a record or provider payload that was rejected
// before any storage side effect. Provider is set when the failure happened
// while mapping a provider-specific payload.
type ValidationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = e.Field + ": " + e.Reason
	}
	if e.Provider != "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Provider, msg)
	}
	return "invalid build: " + msg
}

// Invalid returns a *ValidationError for field.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError wraps a database error so that callers can match it with
// errors.Is(err, ErrStorageUnavailable) while keeping the cause.
func StorageError(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
