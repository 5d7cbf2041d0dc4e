// Package routererr defines the error taxonomy shared by the routing core.
// Front-end adapters translate these kinds to JSON-RPC error codes at the
// boundary; internal code matches on Kind rather than on message text.
package routererr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a router error.
type Kind int

const (
	// KindInternal is any unclassified failure.
	KindInternal Kind = iota
	// KindConfigInvalid is a structural configuration validation failure.
	KindConfigInvalid
	// KindUnauthenticated is a missing or unknown token on an authenticated endpoint.
	KindUnauthenticated
	// KindForbidden means the principal lacks allowlist access to the upstream.
	KindForbidden
	// KindBadRequest is an unparseable selector or missing required parameter.
	KindBadRequest
	// KindNoProvidersMatch means a selector matched zero providers before
	// breaker filtering.
	KindNoProvidersMatch
	// KindUpstreamUnavailable covers open breakers, transport errors and
	// timeouts, and selectors whose every match was filtered out.
	KindUpstreamUnavailable
	// KindProtocol is a well-formed protocol-level error from an upstream
	// (tool not found, bad arguments). It does not count against the breaker.
	KindProtocol
	// KindRateLimited means the principal's token bucket is empty.
	KindRateLimited
)

// String returns the stable name for a kind, used in error text and audit logs.
func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindUnauthenticated:
		return "Unauthenticated"
	case KindForbidden:
		return "Forbidden"
	case KindBadRequest:
		return "BadRequest"
	case KindNoProvidersMatch:
		return "NoProvidersMatch"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindProtocol:
		return "ProtocolError"
	case KindRateLimited:
		return "RateLimited"
	default:
		return "Internal"
	}
}

// Error is a classified router error. RetryAfter is only set for KindRateLimited.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	wrapped    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// New creates a classified error with the given message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// RateLimited creates a KindRateLimited error carrying a retry-after hint.
func RateLimited(retryAfter time.Duration) *Error {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %ds", secs),
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// KindInternal.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// JSON-RPC error codes surfaced by the front-ends.
const (
	// CodeServerError is the generic -32000 family code used for router
	// errors (unauthenticated, unavailable, rate limited).
	CodeServerError = -32000
	// CodeInvalidParams is returned for bad selectors and missing parameters.
	CodeInvalidParams = -32602
	// CodeInternal is returned for unclassified failures.
	CodeInternal = -32603
)

// JSONRPCCode maps a kind to the JSON-RPC error code the front-ends emit.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return CodeInvalidParams
	case KindInternal:
		return CodeInternal
	default:
		return CodeServerError
	}
}
