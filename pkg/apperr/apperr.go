// Package apperr defines the error taxonomy shared by every core operation.
//
// Each failure carries a Kind (the broad category the transport maps to a
// status) and a stable machine Code that clients can switch on. Errors wrap
// an optional cause and work with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the broad category of a failure.
type Kind int

const (
	// Validation covers bad inputs: missing fields, out-of-range values,
	// enum violations.
	Validation Kind = iota
	// NotFound means the referent is absent, or present but hidden by
	// ownership rules.
	NotFound
	// Conflict is a state-transition violation (already resolved, already
	// cancelled).
	Conflict
	// InsufficientFunds means the account's available balance cannot cover
	// the requested lock.
	InsufficientFunds
	// InsufficientPosition means the user holds fewer free shares than the
	// requested sell quantity.
	InsufficientPosition
	// RateLimited is a policy rejection.
	RateLimited
	// LedgerUnavailable means the ledger client timed out or refused; the
	// command did not durably execute as far as the core knows.
	LedgerUnavailable
	// LedgerRejected means the ledger refused the command; speculative
	// locks must be released.
	LedgerRejected
	// Internal is an unexpected invariant violation, reported opaquely.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case InsufficientFunds:
		return "insufficient_funds"
	case InsufficientPosition:
		return "insufficient_position"
	case RateLimited:
		return "rate_limited"
	case LedgerUnavailable:
		return "ledger_unavailable"
	case LedgerRejected:
		return "ledger_rejected"
	default:
		return "internal"
	}
}

// Stable machine codes surfaced to clients in the error JSON object.
const (
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeMarketNotFound        = "MARKET_NOT_FOUND"
	CodeOrderNotFound         = "ORDER_NOT_FOUND"
	CodePositionNotFound      = "POSITION_NOT_FOUND"
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodeInsufficientPositions = "INSUFFICIENT_POSITIONS"
	CodeMarketNotOpen         = "MARKET_NOT_OPEN"
	CodeMarketNotClosed       = "MARKET_NOT_CLOSED"
	CodeMarketNotResolved     = "MARKET_NOT_RESOLVED"
	CodeMarketAlreadyResolved = "MARKET_ALREADY_RESOLVED"
	CodeOrderNotCancellable   = "ORDER_NOT_CANCELLABLE"
	CodePositionLocked        = "POSITION_LOCKED"
	CodeInvalidPrice          = "INVALID_PRICE"
	CodeInvalidQuantity       = "INVALID_QUANTITY"
	CodeQuantityTooLarge      = "QUANTITY_TOO_LARGE"
	CodeInvalidOrderType      = "INVALID_ORDER_TYPE"
	CodeInvalidSide           = "INVALID_SIDE"
	CodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeInvalidChannel        = "INVALID_CHANNEL"
	CodeAuthRequired          = "AUTH_REQUIRED"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeCantonSubmitFailed    = "CANTON_SUBMIT_FAILED"
	CodeCantonQueryFailed     = "CANTON_QUERY_FAILED"
	CodeCantonRejected        = "CANTON_REJECTED"
	CodeFaucetLimitReached    = "FAUCET_LIMIT_REACHED"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is the concrete error type returned by core operations.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error // optional cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind and Code so sentinel comparison works:
// errors.Is(err, &Error{Kind: NotFound}) is true for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error with a formatted message.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from any error; unknown errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf extracts the stable code from any error; unknown errors map to
// INTERNAL_ERROR.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
