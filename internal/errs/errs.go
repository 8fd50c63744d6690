// Package errs defines the typed error taxonomy shared by every module.
// Handlers map kinds to HTTP statuses; services attach remediation text that
// is surfaced verbatim to callers.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for API mapping and retry decisions.
type Kind string

const (
	KindInvalid                 Kind = "invalid"
	KindNotFound                Kind = "not_found"
	KindConflict                Kind = "conflict"
	KindBudgetExceeded          Kind = "budget_exceeded"
	KindRateLimited             Kind = "rate_limited"
	KindSandboxTimeout          Kind = "sandbox_timeout"
	KindSandboxResourceExceeded Kind = "sandbox_resource_exceeded"
	KindSandboxPolicy           Kind = "sandbox_policy"
	KindReauthRequired          Kind = "reauth_required"
	KindUpstreamUnavailable     Kind = "upstream_unavailable"
	KindInternal                Kind = "internal"
)

// Error is the typed error carried across module boundaries.
type Error struct {
	Kind        Kind
	Detail      string
	Remediation string
	// RetryAfterSeconds is set for rate-limited errors.
	RetryAfterSeconds float64
	wrapped           error
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is lets errors.Is match on a bare kind sentinel, e.g.
// errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Detail == "" || t.Detail == e.Detail)
}

// New creates a typed error.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a typed error with a formatted detail message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, keeping its message.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: err.Error(), wrapped: err}
}

// WithRemediation returns a copy carrying remediation text.
func (e *Error) WithRemediation(remediation string) *Error {
	clone := *e
	clone.Remediation = remediation
	return &clone
}

// Invalid creates a client-visible precondition failure.
func Invalid(format string, args ...interface{}) *Error {
	return Newf(KindInvalid, format, args...)
}

// NotFound creates a keyed-lookup miss.
func NotFound(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

// Conflict creates a uniqueness / already-consumed failure.
func Conflict(format string, args ...interface{}) *Error {
	return Newf(KindConflict, format, args...)
}

// Internal creates an invariant-violation error.
func Internal(format string, args ...interface{}) *Error {
	return Newf(KindInternal, format, args...)
}

// RateLimited creates a rate-limit refusal carrying retry-after.
func RateLimited(provider string, retryAfterSeconds float64) *Error {
	return &Error{
		Kind:              KindRateLimited,
		Detail:            fmt.Sprintf("provider_rate_limited provider=%s retry_after_seconds=%.2f", provider, retryAfterSeconds),
		RetryAfterSeconds: retryAfterSeconds,
		Remediation:       fmt.Sprintf("retry after %.2f seconds", retryAfterSeconds),
	}
}

// KindOf extracts the kind from any error, defaulting to internal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// RemediationOf extracts remediation text, if any.
func RemediationOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Remediation
	}
	return ""
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalid, KindBudgetExceeded, KindSandboxTimeout,
		KindSandboxResourceExceeded, KindSandboxPolicy:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindReauthRequired:
		return http.StatusUnauthorized
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
