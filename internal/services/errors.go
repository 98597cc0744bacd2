package services

import (
	"errors"
	"net/http"
)

// ErrorKind groups errors by how the caller is expected to react.
type ErrorKind int

const (
	// KindRejectedInput: the input is untrusted or inconsistent; surfaced,
	// logged for manual review, never retried by the core.
	KindRejectedInput ErrorKind = iota + 1
	// KindBusinessRule: a normal negative outcome the user can recover from.
	KindBusinessRule
	// KindIdempotent: the operation already happened; not a failure.
	KindIdempotent
	// KindInvariant: an internal fault; the enclosing transaction is aborted.
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindRejectedInput:
		return "rejected_input"
	case KindBusinessRule:
		return "business_rule"
	case KindIdempotent:
		return "idempotent"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a named domain error. Values are sentinels compared with errors.Is.
type Error struct {
	Name    string
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Name
}

var (
	ErrInvalidSignature = &Error{
		Name:    "InvalidSignature",
		Kind:    KindRejectedInput,
		Status:  http.StatusUnauthorized,
		Message: "gateway signature does not match",
	}
	ErrUnknownTransaction = &Error{
		Name:    "UnknownTransaction",
		Kind:    KindRejectedInput,
		Status:  http.StatusNotFound,
		Message: "no payment transaction with this reference",
	}
	ErrAmountMismatch = &Error{
		Name:    "AmountMismatch",
		Kind:    KindRejectedInput,
		Status:  http.StatusConflict,
		Message: "reported amount differs from the recorded amount",
	}
	ErrInvalidCount = &Error{
		Name:    "InvalidCount",
		Kind:    KindRejectedInput,
		Status:  http.StatusBadRequest,
		Message: "credit count must be positive",
	}
	ErrUnsupportedStatus = &Error{
		Name:    "UnsupportedStatus",
		Kind:    KindRejectedInput,
		Status:  http.StatusBadRequest,
		Message: "gateway status is not understood",
	}

	ErrInsufficientCredits = &Error{
		Name:    "InsufficientCredits",
		Kind:    KindBusinessRule,
		Status:  http.StatusPaymentRequired,
		Message: "not enough session credits",
	}
	ErrNoCreditsAvailable = &Error{
		Name:    "NoCreditsAvailable",
		Kind:    KindBusinessRule,
		Status:  http.StatusPaymentRequired,
		Message: "no session credits available for this booking",
	}
	ErrTherapistUnavailable = &Error{
		Name:    "TherapistUnavailable",
		Kind:    KindBusinessRule,
		Status:  http.StatusConflict,
		Message: "therapist already has a session in this time window",
	}
	ErrTherapistNotFound = &Error{
		Name:    "TherapistNotFound",
		Kind:    KindBusinessRule,
		Status:  http.StatusNotFound,
		Message: "therapist not found or not verified",
	}
	ErrInvalidStateTransition = &Error{
		Name:    "InvalidStateTransition",
		Kind:    KindBusinessRule,
		Status:  http.StatusConflict,
		Message: "transition not allowed from the current state",
	}
	ErrJoinWindowClosed = &Error{
		Name:    "JoinWindowClosed",
		Kind:    KindBusinessRule,
		Status:  http.StatusConflict,
		Message: "session cannot be joined at this time",
	}
	ErrNotParticipant = &Error{
		Name:    "NotParticipant",
		Kind:    KindBusinessRule,
		Status:  http.StatusForbidden,
		Message: "only the client or the therapist may do this",
	}
	ErrInvalidSchedule = &Error{
		Name:    "InvalidSchedule",
		Kind:    KindBusinessRule,
		Status:  http.StatusBadRequest,
		Message: "booking must be scheduled in the future",
	}
	ErrSelfBooking = &Error{
		Name:    "SelfBooking",
		Kind:    KindBusinessRule,
		Status:  http.StatusBadRequest,
		Message: "a therapist cannot book a session with themselves",
	}
	ErrPackageInUse = &Error{
		Name:    "PackageInUse",
		Kind:    KindBusinessRule,
		Status:  http.StatusConflict,
		Message: "package terms are frozen by a completed payment",
	}
	ErrPackageInactive = &Error{
		Name:    "PackageInactive",
		Kind:    KindBusinessRule,
		Status:  http.StatusConflict,
		Message: "package is not available for purchase",
	}
	ErrInvalidPackage = &Error{
		Name:    "InvalidPackage",
		Kind:    KindBusinessRule,
		Status:  http.StatusBadRequest,
		Message: "package fields must be positive and named",
	}
	ErrNotFound = &Error{
		Name:    "NotFound",
		Kind:    KindBusinessRule,
		Status:  http.StatusNotFound,
		Message: "record not found",
	}

	ErrDuplicateGrant = &Error{
		Name:    "DuplicateGrant",
		Kind:    KindIdempotent,
		Status:  http.StatusOK,
		Message: "credits for this payment were already granted",
	}

	ErrOverRefund = &Error{
		Name:    "OverRefund",
		Kind:    KindInvariant,
		Status:  http.StatusInternalServerError,
		Message: "refund would exceed the granted credits",
	}
)

// AsError extracts the domain error from err, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf returns the kind of the domain error wrapped in err, or 0.
func KindOf(err error) ErrorKind {
	if de, ok := AsError(err); ok {
		return de.Kind
	}
	return 0
}
