package domain

import (
	"errors"
	"net/http"
)

type ErrorKind string

const (
	KindInvalidInput     ErrorKind = "invalid_input"
	KindRateLimited      ErrorKind = "rate_limited"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindNotFound         ErrorKind = "not_found"
	KindSignatureInvalid ErrorKind = "signature_invalid"
	KindTransport        ErrorKind = "transport"
	KindStorage          ErrorKind = "storage"
)

// Error is a user-facing failure carrying the message returned to the caller.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func Invalid(msg string) error       { return &Error{Kind: KindInvalidInput, Message: msg} }
func RateLimited(msg string) error   { return &Error{Kind: KindRateLimited, Message: msg} }
func QuotaExceeded(msg string) error { return &Error{Kind: KindQuotaExceeded, Message: msg} }

var (
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "unauthorized"}

	ErrEmptyContent      = &Error{Kind: KindInvalidInput, Message: "content must not be empty"}
	ErrContentTooLong    = &Error{Kind: KindInvalidInput, Message: "content exceeds 10000 characters"}
	ErrInvalidEmail      = &Error{Kind: KindInvalidInput, Message: "invalid email address"}
	ErrInvalidTimeFormat = &Error{Kind: KindInvalidInput, Message: "invalid delivery time format"}
	ErrMissingID         = &Error{Kind: KindInvalidInput, Message: "missing id"}
)

// KindOf reports the kind of err, defaulting to storage for unclassified errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindStorage
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput, KindSignatureInvalid:
		return http.StatusBadRequest
	case KindRateLimited, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
