package ledger

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable failure code reported to callers.
type Kind string

const (
	KindMalformedCode           Kind = "MALFORMED_CODE"
	KindCodeNotFound            Kind = "CODE_NOT_FOUND"
	KindCodeInactive            Kind = "CODE_INACTIVE"
	KindCodeExpired             Kind = "CODE_EXPIRED"
	KindCodeExhausted           Kind = "CODE_EXHAUSTED"
	KindSelfRedemptionForbidden Kind = "SELF_REDEMPTION_FORBIDDEN"
	KindCodeAlreadyUsed         Kind = "CODE_ALREADY_USED"
	KindInviteQuotaExhausted    Kind = "INVITE_QUOTA_EXHAUSTED"
	KindInsufficientCredit      Kind = "INSUFFICIENT_CREDIT"
	KindGenerationExhausted     Kind = "GENERATION_EXHAUSTED"
	KindStorage                 Kind = "STORAGE_ERROR"
	KindUnauthorized            Kind = "UNAUTHORIZED"
	KindInvalidRequest          Kind = "INVALID_REQUEST"
	KindRateLimited             Kind = "RATE_LIMITED"
)

// Error is a ledger failure. Two Errors match under errors.Is when their
// kinds are equal, so callers compare against the exported sentinels.
type Error struct {
	Kind    Kind
	Message string
	// Status is the code's terminal state for KindCodeInactive.
	Status string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMalformedCode           = &Error{Kind: KindMalformedCode, Message: "invalid activation code format"}
	ErrCodeNotFound            = &Error{Kind: KindCodeNotFound, Message: "code not found"}
	ErrCodeInactive            = &Error{Kind: KindCodeInactive, Message: "code is not active"}
	ErrCodeExpired             = &Error{Kind: KindCodeExpired, Message: "activation code has expired"}
	ErrCodeExhausted           = &Error{Kind: KindCodeExhausted, Message: "activation code has reached its device limit"}
	ErrSelfRedemptionForbidden = &Error{Kind: KindSelfRedemptionForbidden, Message: "you cannot use your own invite code"}
	ErrCodeAlreadyUsed         = &Error{Kind: KindCodeAlreadyUsed, Message: "invite code has already been used"}
	ErrInviteQuotaExhausted    = &Error{Kind: KindInviteQuotaExhausted, Message: "you have already used an invite code"}
	ErrInsufficientCredit      = &Error{Kind: KindInsufficientCredit, Message: "no credits remaining, use an activation code or invite code to continue"}
	ErrGenerationExhausted     = &Error{Kind: KindGenerationExhausted, Message: "failed to generate a unique code"}
	ErrStorage                 = &Error{Kind: KindStorage, Message: "storage failure"}
	ErrUnauthorized            = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrRateLimited             = &Error{Kind: KindRateLimited, Message: "too many failed attempts, try again later"}
)

// CodeInactive reports a code sitting in a non-active state.
func CodeInactive(status string) *Error {
	return &Error{
		Kind:    KindCodeInactive,
		Message: "code is " + status,
		Status:  status,
	}
}

// StorageError wraps a store failure.
func StorageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: op + " failed", Err: err}
}

// InvalidRequest builds a request validation failure with a specific message.
func InvalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}

// KindOf returns the kind of err, or KindStorage for errors that did not
// originate in the ledger.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}
