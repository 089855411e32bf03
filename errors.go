package crudkit

import (
	"errors"
	"fmt"
)

// Error categories. Every error produced by crudkit wraps exactly one of these,
// so callers can classify failures with errors.Is.
var (
	// ErrConfiguration is returned for startup or wiring problems: a missing
	// provider, an unset administrator role, an unknown ACL operation.
	// These are never retried.
	ErrConfiguration = errors.New("crudkit: configuration error")

	// ErrForbidden is returned when the request's roles do not grant the
	// operation. The message is intentionally opaque.
	ErrForbidden = errors.New("crudkit: forbidden")

	// ErrValidation is returned for caller-facing input problems such as an
	// unsupported filter operator or a malformed mutation payload.
	ErrValidation = errors.New("crudkit: validation error")

	// ErrNotFound is returned when a primary key was supplied but no entity
	// with that key exists.
	ErrNotFound = errors.New("crudkit: not found")

	// ErrTransaction is returned when a nested transaction asks for a
	// stricter isolation level than the one already open.
	ErrTransaction = errors.New("crudkit: transaction error")
)

// Specific failures, each wrapping one of the categories above.
var (
	ErrNoRoles            = fmt.Errorf("%w: no roles in authorization context", ErrForbidden)
	ErrNoProvider         = fmt.Errorf("%w: no provider registered", ErrConfiguration)
	ErrNoAdminRole        = fmt.Errorf("%w: administrator role name is not set", ErrConfiguration)
	ErrInvalidOperation   = fmt.Errorf("%w: invalid access control operation", ErrConfiguration)
	ErrUnknownEntity      = fmt.Errorf("%w: entity not registered", ErrConfiguration)
	ErrReadOnly           = fmt.Errorf("%w: entity is read-only", ErrConfiguration)
	ErrEntityNotLocated   = fmt.Errorf("%w: entity could not be located to update", ErrNotFound)
	ErrCreatesDisabled    = fmt.Errorf("%w: creates are disabled for this operation", ErrValidation)
	ErrUpdatesDisabled    = fmt.Errorf("%w: updates are disabled for this operation", ErrValidation)
	ErrNotAnArray         = fmt.Errorf("%w: to-many payload must be an array", ErrValidation)
	ErrCompositeKey       = fmt.Errorf("%w: relations to entities with composite primary keys are not supported", ErrValidation)
	ErrInvalidFilter      = fmt.Errorf("%w: invalid filter", ErrValidation)
	ErrInvalidPagination  = fmt.Errorf("%w: invalid pagination", ErrValidation)
	ErrIsolationUpgrade   = fmt.Errorf("%w: cannot upgrade isolation level of an open transaction", ErrTransaction)
	ErrNoTransaction      = fmt.Errorf("%w: operation requires an open transaction", ErrTransaction)
	ErrNoAuthContext      = fmt.Errorf("%w: no authorization context", ErrForbidden)
	ErrUnevaluableFilters = fmt.Errorf("%w: access value cannot be evaluated", ErrForbidden)
)

// Error wraps a sentinel error with additional context.
type Error struct {
	Err       error     // Underlying sentinel error
	Message   string    // Additional context
	Entity    string    // Entity involved
	Field     string    // Field involved (if applicable)
	Operation Operation // ACL operation involved (if applicable)
	Role      string    // Role involved (if applicable)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new Error with context.
func NewError(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(err error, format string, args ...any) *Error {
	return NewError(err, fmt.Sprintf(format, args...))
}

// WithEntity adds entity information to the error.
func (e *Error) WithEntity(entity string) *Error {
	e.Entity = entity
	return e
}

// WithField adds field information to the error.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithOperation adds operation information to the error.
func (e *Error) WithOperation(op Operation) *Error {
	e.Operation = op
	return e
}

// WithRole adds role information to the error.
func (e *Error) WithRole(role string) *Error {
	e.Role = role
	return e
}

// IsForbidden checks if an error is an authorization failure.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsConfiguration checks if an error is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if an error reports a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransaction checks if an error is a transaction error.
func IsTransaction(err error) bool {
	return errors.Is(err, ErrTransaction)
}

// normalizeAuthError hides which rule failed. Non-authorization errors are
// returned untouched.
func normalizeAuthError(err error) error {
	if err == nil || !IsForbidden(err) {
		return err
	}
	return ErrForbidden
}
