package ir

import (
	"errors"
	"fmt"
)

// Error is the error type returned by the versioning core.
//
// Every Error aborts the commit it was raised in. None are retried
// automatically; the host decides whether to rerun its unit of work.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// EntityType and EntityKey identify the affected entity, when known.
	EntityType string
	EntityKey  Key

	// TransactionID is the transaction being committed, when assigned.
	TransactionID TransactionID

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes core errors.
type ErrorCode string

const (
	// ErrCodeProtocol indicates the commit protocol was used out of order
	// (id assigned twice, collection run twice, staging after collection).
	ErrCodeProtocol ErrorCode = "PROTOCOL"

	// ErrCodeUnsupportedMutation indicates a tracked entity's primary key changed.
	ErrCodeUnsupportedMutation ErrorCode = "UNSUPPORTED_MUTATION"

	// ErrCodeConflict indicates a duplicate version for an entity. Fatal.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeInvalidLifecycleTransition indicates e.g. an update after a delete.
	ErrCodeInvalidLifecycleTransition ErrorCode = "INVALID_LIFECYCLE_TRANSITION"

	// ErrCodeUnsupportedBackend indicates the store cannot co-commit history
	// with business data and degraded mode was not requested.
	ErrCodeUnsupportedBackend ErrorCode = "UNSUPPORTED_BACKEND"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.EntityType != "" && e.TransactionID != 0:
		return fmt.Sprintf("%s: %s (entity=%s%s, tx=%d)", e.Code, msg, e.EntityType, e.EntityKey, e.TransactionID)
	case e.EntityType != "":
		return fmt.Sprintf("%s: %s (entity=%s%s)", e.Code, msg, e.EntityType, e.EntityKey)
	case e.TransactionID != 0:
		return fmt.Sprintf("%s: %s (tx=%d)", e.Code, msg, e.TransactionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithTransaction returns a copy of e annotated with a transaction id.
func (e *Error) WithTransaction(id TransactionID) *Error {
	cp := *e
	cp.TransactionID = id
	return &cp
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// ErrorCodeOf returns the code of the first *Error in err's chain, or "".
func ErrorCodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsProtocolError returns true if err is a protocol misuse error.
// Uses errors.As to handle wrapped errors.
func IsProtocolError(err error) bool { return hasCode(err, ErrCodeProtocol) }

// IsUnsupportedMutation returns true if err reports a primary key change.
func IsUnsupportedMutation(err error) bool { return hasCode(err, ErrCodeUnsupportedMutation) }

// IsConflict returns true if err reports a duplicate version.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsInvalidLifecycleTransition returns true if err reports an impossible lifecycle step.
func IsInvalidLifecycleTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidLifecycleTransition)
}

// IsUnsupportedBackend returns true if err reports a backend lacking atomic commit.
func IsUnsupportedBackend(err error) bool { return hasCode(err, ErrCodeUnsupportedBackend) }

// NewProtocolError creates an Error for commit protocol misuse.
func NewProtocolError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeProtocol,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewUnsupportedMutationError creates an Error for a primary key change.
func NewUnsupportedMutationError(entityType string, oldKey, newKey Key) *Error {
	return &Error{
		Code:       ErrCodeUnsupportedMutation,
		Message:    fmt.Sprintf("primary key changed from %s to %s", oldKey, newKey),
		EntityType: entityType,
		EntityKey:  oldKey,
	}
}

// NewConflictError creates an Error for a duplicate version write.
func NewConflictError(entityType string, key Key, txID TransactionID, cause error) *Error {
	return &Error{
		Code:          ErrCodeConflict,
		Message:       "version already recorded",
		EntityType:    entityType,
		EntityKey:     key,
		TransactionID: txID,
		Err:           cause,
	}
}

// NewInvalidLifecycleTransitionError creates an Error for an impossible lifecycle step.
func NewInvalidLifecycleTransitionError(entityType string, key Key, from string, op Operation) *Error {
	return &Error{
		Code:       ErrCodeInvalidLifecycleTransition,
		Message:    fmt.Sprintf("cannot %s entity in state %s", op, from),
		EntityType: entityType,
		EntityKey:  key,
	}
}

// NewUnsupportedBackendError creates an Error for a backend without atomic commit.
func NewUnsupportedBackendError(dialect string) *Error {
	return &Error{
		Code:    ErrCodeUnsupportedBackend,
		Message: fmt.Sprintf("dialect %q cannot commit history atomically with business data; use degraded consistency explicitly", dialect),
	}
}
