package rbac

import (
	"errors"
	"fmt"
)

// Error categories. None of them are transient; callers branch on them with
// errors.Is and the engine never retries internally.
var (
	// ErrNotFound indicates that a referenced entity does not exist.
	ErrNotFound = errors.New("rbac: not found")

	// ErrConflict indicates a duplicate active assignment, override or grant.
	ErrConflict = errors.New("rbac: conflict")

	// ErrImmutable indicates a mutation targeted a system-flagged entity.
	ErrImmutable = errors.New("rbac: immutable")

	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("rbac: validation failed")
)

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rbac: invalid %s: %s", e.Field, e.Message)
}

// Is reports ErrValidation so callers can match the category.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func notFound(kind string, id interface{}) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, kind, id)
}

// Category returns a short stable name for err's category, used as a metric
// label and in audit events.
func Category(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrImmutable):
		return "immutable"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "error"
	}
}
