package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping
type Kind int

const (
	KindValidation Kind = iota + 1
	KindState
	KindAuthorization
	KindConflict
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Stable error codes
const (
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeNotTradingTime       = "NOT_TRADING_TIME"
	CodeInvalidQuantity      = "INVALID_QUANTITY"
	CodeRuleUnavailable      = "RULE_UNAVAILABLE"
	CodeRuleViolation        = "RULE_VIOLATION"
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeInsufficientPosition = "INSUFFICIENT_POSITION"
	CodeOrderNotFound        = "ORDER_NOT_FOUND"
	CodeOrderNotCancellable  = "ORDER_NOT_CANCELLABLE"
	CodeOrderNotPending      = "ORDER_NOT_PENDING"
	CodeInvalidState         = "INVALID_STATE"
	CodeAccountNotFound      = "ACCOUNT_NOT_FOUND"
	CodePositionNotFound     = "POSITION_NOT_FOUND"
	CodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	CodeForbidden            = "FORBIDDEN"
	CodeConflict             = "CONFLICT"
	CodeUnavailable          = "UNAVAILABLE"
)

// Error is the error type returned by every engine operation
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code so callers can compare against the sentinel values
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons
var (
	ErrNotTradingTime       = &Error{Kind: KindValidation, Code: CodeNotTradingTime}
	ErrInvalidQuantity      = &Error{Kind: KindValidation, Code: CodeInvalidQuantity}
	ErrRuleViolation        = &Error{Kind: KindValidation, Code: CodeRuleViolation}
	ErrInsufficientBalance  = &Error{Kind: KindValidation, Code: CodeInsufficientBalance}
	ErrInsufficientPosition = &Error{Kind: KindValidation, Code: CodeInsufficientPosition}
	ErrRuleUnavailable      = &Error{Kind: KindState, Code: CodeRuleUnavailable}
	ErrOrderNotFound        = &Error{Kind: KindState, Code: CodeOrderNotFound}
	ErrOrderNotCancellable  = &Error{Kind: KindState, Code: CodeOrderNotCancellable}
	ErrOrderNotPending      = &Error{Kind: KindState, Code: CodeOrderNotPending}
	ErrInvalidState         = &Error{Kind: KindState, Code: CodeInvalidState}
	ErrAccountNotFound      = &Error{Kind: KindState, Code: CodeAccountNotFound}
	ErrPositionNotFound     = &Error{Kind: KindState, Code: CodePositionNotFound}
	ErrUnsupported          = &Error{Kind: KindValidation, Code: CodeUnsupportedOperation}
	ErrForbidden            = &Error{Kind: KindAuthorization, Code: CodeForbidden}
	ErrConflict             = &Error{Kind: KindConflict, Code: CodeConflict}
	ErrUnavailable          = &Error{Kind: KindUnavailable, Code: CodeUnavailable}
)

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validationf builds a validation error with the given code
func Validationf(code, format string, args ...any) error {
	return newError(KindValidation, code, format, args...)
}

// Statef builds a state error with the given code
func Statef(code, format string, args ...any) error {
	return newError(KindState, code, format, args...)
}

// Forbiddenf builds an authorization error
func Forbiddenf(format string, args ...any) error {
	return newError(KindAuthorization, CodeForbidden, format, args...)
}

// Conflictf builds a conflict error; settlement retries these
func Conflictf(format string, args ...any) error {
	return newError(KindConflict, CodeConflict, format, args...)
}

// Unavailable wraps a collaborator failure as a transient error. Database
// serialization failures and deadlocks come back as conflicts instead.
func Unavailable(msg string, err error) error {
	if retryableCause(err) {
		return &Error{Kind: KindConflict, Code: CodeConflict, Message: msg, Err: err}
	}
	return &Error{Kind: KindUnavailable, Code: CodeUnavailable, Message: msg, Err: err}
}

// serialization_failure and deadlock_detected
var retryableStates = map[string]bool{"40001": true, "40P01": true}

func retryableCause(err error) bool {
	var state interface{ SQLState() string }
	return errors.As(err, &state) && retryableStates[state.SQLState()]
}

// Retryable reports whether running the failed transaction again may
// succeed
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || retryableCause(err)
}

// AsError extracts the engine error from err, if any
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is an engine error of the given kind
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
