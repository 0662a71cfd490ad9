// Package apperrors provides the shared error taxonomy used across the
// gateway core. Unlike a plain sentinel error, Kind and Retryable are
// carried on the value itself so the coordinator's retry loop can classify
// a failure without string matching against an error message.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure. The HTTP boundary (outside this
// repository) maps a Kind to a status code; nothing in this repository
// does that mapping itself.
type Kind string

const (
	KindValidation         Kind = "bad_request"
	KindForbidden          Kind = "forbidden"
	KindPrecondition       Kind = "precondition_failed"
	KindDuplicate          Kind = "duplicate"
	KindRPCUnavailable     Kind = "rpc_unavailable"
	KindBlockhashExpired   Kind = "blockhash_expired"
	KindInsufficientFee    Kind = "insufficient_fee"
	KindSimulationTerminal Kind = "simulation_failed_terminal"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindOverloaded         Kind = "overloaded"
	KindInternal           Kind = "internal"
)

// retryableByDefault records which kinds the coordinator retries when no
// more specific decision has been made at the call site.
var retryableByDefault = map[Kind]bool{
	KindRPCUnavailable:   true,
	KindBlockhashExpired: true,
	KindInsufficientFee:  true,
	KindOverloaded:       true,
}

// Error is the concrete error value threaded through the core. It wraps an
// underlying cause without discarding it.
type Error struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error with the default retryability for its kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Retryable: retryableByDefault[kind], Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// NotRetryable wraps err with kind and forces Retryable to false, for
// callers that know a given instance of an otherwise-retryable kind is
// terminal (e.g. a simulation failure mapped to a known program error).
func NotRetryable(kind Kind, err error) *Error {
	return &Error{Kind: kind, Retryable: false, Err: err}
}

// Retryable wraps err with kind and forces Retryable to true.
func Retryable(kind Kind, err error) *Error {
	return &Error{Kind: kind, Retryable: true, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or KindInternal if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err should be retried by the coordinator.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
