// Package errors provides the error taxonomy shared by aggregates, repositories and services.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Every business failure unwraps to exactly one of these.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalid         = errors.New("invalid")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict")
	ErrTransientStore  = errors.New("event store unavailable")
	ErrSerialization   = errors.New("event serialization failure")
)

// Specific failures. Each unwraps to its kind, so errors.Is matches both.
var (
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrSettlementNotFound  = fmt.Errorf("settlement %w", ErrNotFound)
	ErrMerchantNotFound    = fmt.Errorf("merchant %w", ErrNotFound)
	ErrEstateNotFound      = fmt.Errorf("estate %w", ErrNotFound)
	ErrContractNotFound    = fmt.Errorf("contract %w", ErrNotFound)
	ErrOperatorNotFound    = fmt.Errorf("operator %w", ErrNotFound)
	ErrFloatNotFound       = fmt.Errorf("float %w", ErrNotFound)
	ErrVoucherNotFound     = fmt.Errorf("voucher %w", ErrNotFound)
	ErrStatementNotFound   = fmt.Errorf("statement %w", ErrNotFound)
	ErrInsufficientBalance = fmt.Errorf("insufficient balance: %w", ErrForbidden)
)

// DomainError carries a human readable reason together with the kind of failure.
type DomainError struct {
	Kind   error
	Reason string
}

func (e *DomainError) Error() string {
	return e.Reason
}

func (e *DomainError) Unwrap() error {
	return e.Kind
}

func newDomainError(kind error, format string, args ...interface{}) error {
	return &DomainError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Newf builds a domain error of the given kind. The kind may be a specific
// failure such as ErrSettlementNotFound.
func Newf(kind error, format string, args ...interface{}) error {
	return newDomainError(kind, format, args...)
}

// NotFound reports an absent aggregate or entity.
func NotFound(format string, args ...interface{}) error {
	return newDomainError(ErrNotFound, format, args...)
}

// Invalid reports a precondition or invariant violation.
func Invalid(format string, args ...interface{}) error {
	return newDomainError(ErrInvalid, format, args...)
}

// Forbidden reports a business rule rejecting the operation.
func Forbidden(format string, args ...interface{}) error {
	return newDomainError(ErrForbidden, format, args...)
}

// Conflict reports a uniqueness violation.
func Conflict(format string, args ...interface{}) error {
	return newDomainError(ErrConflict, format, args...)
}

// IsRetryable reports whether a command may be re-driven against fresh state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrTransientStore)
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Reason returns the human readable reason of a domain error, or the plain message otherwise.
func Reason(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
