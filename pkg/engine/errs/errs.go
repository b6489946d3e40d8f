// Package errs carries the engine error taxonomy. Every failure surfaced to a
// caller is tagged with a stable Code; the API layer maps codes to HTTP
// statuses through a single table.
package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	Validation         Code = "VALIDATION"
	StateConflict      Code = "STATE_CONFLICT"
	InsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	InsufficientMargin Code = "INSUFFICIENT_MARGIN"
	NotFound           Code = "NOT_FOUND"
	PriceExceeded      Code = "PRICE_EXCEEDED"
	Timeout            Code = "TIMEOUT"
	NetworkError       Code = "NETWORK_ERROR"
	Internal           Code = "INTERNAL"
)

// Error is a coded error with an optional cause chain.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error. Unknown errors are never
// swallowed; the cause stays reachable via errors.Unwrap.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the taxonomy code from err, or Internal if untagged.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool { return CodeOf(err) == code }
