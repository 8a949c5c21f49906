package idp

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed vocabulary shared by the sign-in path and the
// directory sync engine. Handlers map codes to HTTP statuses; the sync
// engine maps them to retry and bookkeeping decisions.
type ErrorCode string

const (
	// CodeInvalidState means the CSRF state parameter was missing or did
	// not match the value issued at redirect time.
	CodeInvalidState ErrorCode = "invalid_state"

	// CodeExpiredToken means a token or assertion is past its expiry.
	CodeExpiredToken ErrorCode = "expired_token"

	// CodeInvalidToken means signature, issuer, audience or shape
	// verification failed for a reason other than expiry.
	CodeInvalidToken ErrorCode = "invalid_token"

	// CodeNotFound means no identity matches the verified claims.
	CodeNotFound ErrorCode = "not_found"

	// CodeUnauthorized means the provider rejected our credentials (401)
	// or the actor/provider is disabled locally.
	CodeUnauthorized ErrorCode = "unauthorized"

	// CodeRetryLater means the provider rate limited us. The operation is
	// never retried inline; the next scheduled run picks it up.
	CodeRetryLater ErrorCode = "retry_later"

	// CodeInternal covers transport failures, provider 5xx responses and
	// response bodies we could not make sense of. Retriable.
	CodeInternal ErrorCode = "internal_error"

	// CodeUnclassified preserves anything that fits nowhere else.
	CodeUnclassified ErrorCode = "unclassified"
)

// Short aliases used by the sign-in surface where the token context is
// implied.
const (
	CodeExpired = CodeExpiredToken
	CodeInvalid = CodeInvalidToken
)

// Error is the taxonomy error type. Message is safe to show to an end
// user; Detail carries the verbose cause for logs and the audit trail.
type Error struct {
	Code    ErrorCode
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two taxonomy errors by code so errors.Is(err, &Error{Code: c})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a taxonomy error with a user-facing message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a taxonomy error with a formatted user-facing message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a taxonomy error around a cause. The cause's text
// becomes the detail unless one is supplied later.
func WrapError(code ErrorCode, message string, err error) *Error {
	e := &Error{Code: code, Message: message, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// WithDetail returns a copy carrying a verbose detail string.
func (e *Error) WithDetail(detail string) *Error {
	clone := *e
	clone.Detail = detail
	return &clone
}

// CodeOf extracts the taxonomy code from an error chain. Errors that never
// passed through the taxonomy come back as CodeUnclassified, and a nil
// error as the empty string.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnclassified
}

// IsRetriable reports whether the next scheduled run should attempt the
// operation again. Only transport-level failures qualify; client errors
// and rate limits wait for operator action or the provider's window.
func IsRetriable(err error) bool {
	return CodeOf(err) == CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
