// Package errkind classifies errors across the trust and settlement layer.
//
// Packages declare their own sentinel errors with New so that callers can
// match them with errors.Is, while orchestration code only needs KindOf to
// decide whether a failure is terminal, retryable, or fatal.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure category of an error.
type Kind string

const (
	Unknown             Kind = ""
	NotFound            Kind = "not_found"
	Validation          Kind = "validation"
	Signature           Kind = "signature"
	Replay              Kind = "replay"
	Expired             Kind = "expired"
	OwnershipConflict   Kind = "ownership_conflict"
	BudgetExceeded      Kind = "budget_exceeded"
	InsufficientBalance Kind = "insufficient_balance"
	ExternalService     Kind = "external_service"
	Fatal               Kind = "fatal"
	Cancelled           Kind = "cancelled"
)

// Error is a classified error. Sentinels are compared by identity, so two
// sentinels with the same message are still distinct.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New creates a sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err under kind with an operation prefix.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: op, Err: err}
}

// External marks err as an ExternalServiceError raised by op.
func External(op string, err error) error {
	return Wrap(ExternalService, op, err)
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Deadline and cancellation errors from context are classified even when
// nothing wrapped them.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExternalService
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	return KindOf(err) == ExternalService
}

// HTTPStatus maps a kind to the status code handlers respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case Validation, Signature, Expired:
		return http.StatusBadRequest
	case Replay, OwnershipConflict:
		return http.StatusConflict
	case BudgetExceeded, InsufficientBalance:
		return http.StatusPaymentRequired
	case ExternalService:
		return http.StatusBadGateway
	case Cancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
