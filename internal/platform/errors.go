// Package platform carries the cross-cutting pieces every subsystem leans
// on: the error taxonomy and the request context helpers.
//
// Errors are classified by Kind, not by concrete type. Subsystems return
// *Error values (or wrap one); only the HTTP boundary translates kinds
// into wire status codes.
package platform

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and wire mapping.
type Kind int

const (
	KindInternal Kind = iota // unclassified / invariant violation
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindInsufficientBalance
	KindSpendingCap
	KindRateLimited
	KindUpstream
	KindNodeDisconnected
	KindCommandTimeout
	KindNodeUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInsufficientBalance:
		return "insufficient_credits"
	case KindSpendingCap:
		return "spending_cap_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream_failed"
	case KindNodeDisconnected:
		return "node_disconnected"
	case KindCommandTimeout:
		return "command_timeout"
	case KindNodeUnreachable:
		return "node_unreachable"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to its wire status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInsufficientBalance, KindSpendingCap:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindNodeDisconnected, KindCommandTimeout, KindNodeUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the classified error carried between subsystems.
type Error struct {
	Kind    Kind
	Msg     string
	Details map[string]interface{}
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds a classified error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithDetails attaches a structured payload surfaced to the caller
// (e.g. current balance + required amount on an insufficient-balance 402).
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from any error in the chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailsOf returns the structured payload of a classified error, or nil.
func DetailsOf(err error) map[string]interface{} {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Details
	}
	return nil
}
