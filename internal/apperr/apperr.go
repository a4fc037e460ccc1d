package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The kind alone decides what a caller sees.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindConflict
	KindPolicyViolation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindPolicyViolation:
		return "policy_violation"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to a stable status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindPolicyViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Stable codes used across the service.
const (
	CodeStockUnavailable   = "stock_unavailable"
	CodeReservationLost    = "reservation_lost"
	CodeInvalidTransition  = "invalid_transition"
	CodeCheckoutInProgress = "checkout_in_progress"
	CodeCartNotActive      = "cart_not_active"
	CodeEmptyCart          = "empty_cart"
	CodeInvalidQuantity    = "invalid_quantity"
	CodeInvalidRequest     = "invalid_request"
	CodeOrderNotEligible   = "order_not_eligible"
	CodeCollaboratorFailed = "collaborator_failed"
	CodeBelowReserved      = "below_reserved"
	CodeDuplicateOrder     = "duplicate_order"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, "not_found", fmt.Sprintf(format, args...))
}

func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, fmt.Sprintf(format, args...))
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, fmt.Sprintf(format, args...))
}

// Internal wraps a collaborator or infrastructure failure.
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, CodeCollaboratorFailed, message, err)
}

// As extracts an *Error from the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the classification of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind and code.
func Is(err error, kind Kind, code string) bool {
	e, ok := As(err)
	return ok && e.Kind == kind && (code == "" || e.Code == code)
}
