// Package corekit provides the closed error-kind vocabulary shared by every
// component of the Universe Synchronization Core.
package corekit

import (
	"fmt"

	"github.com/alecthomas/errors"
)

// Kind is a closed classification of failure used by every component to
// decide recovery policy (retry, backoff, surface, fatal). Components never
// branch on an error's concrete Go type, only on its Kind.
type Kind string

// Modality is an authentication kind (user OAuth or installation token)
// that selects both the credential and the rate-limit bucket.
type Modality string

const (
	ModalityOAuth           Modality = "oauth"
	ModalityAppInstallation Modality = "app_installation"
)

const (
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate_limited"
	KindNetwork            Kind = "network"
	KindServer             Kind = "server"
	KindBadRequest         Kind = "bad_request"
	KindNotSupported       Kind = "not_supported"
	KindInvariantViolation Kind = "invariant_violation"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
	KindReadOnly           Kind = "read_only"
)

// Error carries a Kind alongside the wrapped cause so callers can classify
// failures with errors.As while still getting alecthomas/errors' stack trace
// and %w chain.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter float64 // seconds; only meaningful when Kind == KindRateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a classified error wrapping cause with a stack trace.
func New(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// Newf constructs a classified error with a formatted message and no
// underlying cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.Errorf(format, args...)}
}

// RateLimited constructs the rate_limited(retry_after) kind called out
// explicitly by the Provider and Rate Limiter designs.
func RateLimited(retryAfter float64) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, cause: errors.Errorf("rate limited, retry after %.1fs", retryAfter)}
}

// Is reports whether err is a *Error of the given Kind, looking through
// alecthomas/errors wrapping.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind of err, or "" if err is not a classified error.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
