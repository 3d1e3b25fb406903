// Package errdefs defines the error kinds shared across Drover's
// components. Components wrap these sentinels with context via
// fmt.Errorf and %w; the API layer maps each kind to an HTTP status
// exactly once. Callers classify with errors.Is or the Is* helpers.
package errdefs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidArgument marks input that fails validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized marks missing or unverifiable credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden marks an authenticated caller acting outside its
	// authority, such as a node touching another node's resources.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound marks a lookup of a nonexistent entity.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a state conflict: duplicate registration,
	// contested lock, update of a terminal task.
	ErrConflict = errors.New("conflict")

	// ErrConcurrency marks a row-version mismatch on a compare-and-set
	// update. Callers re-read and retry.
	ErrConcurrency = errors.New("concurrency conflict")

	// ErrInvalidTransition marks a task status change outside the
	// legal state machine.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotOwner marks a lock operation by a node that does not hold
	// the lock.
	ErrNotOwner = errors.New("not lock owner")

	// ErrTimeout marks a store operation that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)

// IsInvalidArgument reports whether err wraps ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsUnauthorized reports whether err wraps ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsForbidden reports whether err wraps ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsConcurrency reports whether err wraps ErrConcurrency.
func IsConcurrency(err error) bool { return errors.Is(err, ErrConcurrency) }

// IsInvalidTransition reports whether err wraps ErrInvalidTransition.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// IsNotOwner reports whether err wraps ErrNotOwner.
func IsNotOwner(err error) bool { return errors.Is(err, ErrNotOwner) }

// IsTimeout reports whether err wraps ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// ValidationError aggregates per-field validation failures. It wraps
// ErrInvalidArgument so generic classification still works while the
// API layer can render field-level messages.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError returns an empty ValidationError ready for Add.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

// Add records a failure message for a field, keeping the first message
// if the field was already reported.
func (e *ValidationError) Add(field, message string) *ValidationError {
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
	return e
}

// Empty reports whether no field failures were recorded.
func (e *ValidationError) Empty() bool { return len(e.Fields) == 0 }

// Err returns the error value, or nil when no failures were recorded.
func (e *ValidationError) Err() error {
	if e.Empty() {
		return nil
	}
	return e
}

// Error renders fields in stable order for logs and tests.
func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("validation failed: ")
	for i, f := range fields {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", f, e.Fields[f])
	}
	return b.String()
}

// Unwrap ties ValidationError into the ErrInvalidArgument kind.
func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// AsValidation extracts a ValidationError from an error chain, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
