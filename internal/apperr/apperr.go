// Package apperr defines the domain error taxonomy shared by the ledger,
// contribution, draw, cycle and membership packages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInsufficientFunds
	KindInvariantViolation
	KindQuorumNotMet
	KindDuplicate
	KindAuthorization
	KindNotFound
	KindFailedPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindQuorumNotMet:
		return "quorum_not_met"
	case KindDuplicate:
		return "duplicate"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindFailedPrecondition:
		return "failed_precondition"
	default:
		return "internal"
	}
}

var (
	ErrValidation             = New(KindValidation, "VALIDATION_ERROR", "invalid request")
	ErrInsufficientFunds      = New(KindInsufficientFunds, "INSUFFICIENT_FUNDS", "insufficient balance, top up and retry")
	ErrInvariantViolation     = New(KindInvariantViolation, "INVARIANT_VIOLATION", "ledger invariant violated")
	ErrQuorumNotMet           = New(KindQuorumNotMet, "QUORUM_NOT_MET", "not enough members have confirmed the draw")
	ErrDuplicateContribution  = New(KindDuplicate, "DUPLICATE_CONTRIBUTION", "already contributed this cycle")
	ErrDuplicateDraw          = New(KindDuplicate, "DUPLICATE_DRAW", "a draw was already requested for this cycle")
	ErrNotAMember             = New(KindAuthorization, "NOT_A_MEMBER", "not an active member of this tontine")
	ErrForbidden              = New(KindAuthorization, "FORBIDDEN", "your role does not allow this action")
	ErrNotFound               = New(KindNotFound, "NOT_FOUND", "resource not found")
	ErrOutstandingObligations = New(KindFailedPrecondition, "OUTSTANDING_OBLIGATIONS", "settle pending contributions and penalties before leaving")
	ErrRoleTransferRequired   = New(KindFailedPrecondition, "ROLE_TRANSFER_REQUIRED", "transfer your role before leaving")
	ErrInvalidState           = New(KindFailedPrecondition, "INVALID_STATE", "operation not allowed in the current state")
)

// Error is a domain error with a stable code and a short user-facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// New creates an Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
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

// Is matches on Code so that wrapped copies still compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithError returns a copy of e carrying cause.
func (e *Error) WithError(cause error) *Error {
	clone := *e
	clone.Err = cause
	return &clone
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	clone := *e
	clone.Message = fmt.Sprintf(format, args...)
	return &clone
}

// Validation builds a validation error with a specific message.
func Validation(format string, args ...any) *Error {
	return ErrValidation.WithMessage(format, args...)
}

// NotFound builds a not-found error naming the resource.
func NotFound(resource, id string) *Error {
	return ErrNotFound.WithMessage("%s not found: %s", resource, id)
}

// Invariant builds an invariant violation describing what broke.
func Invariant(format string, args ...any) *Error {
	return ErrInvariantViolation.WithMessage(format, args...)
}

// As extracts the domain error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
