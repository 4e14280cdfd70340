// Package wserrors defines the canonical error taxonomy and the outbound
// ERROR / RPC_ERROR envelope construction rules.
package wserrors

import "strings"

// Code is a stable, programmatic error identifier carried in error envelopes.
//
// The set is closed except for the APP_ namespace, which is reserved for
// application-defined codes.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeAborted            Code = "ABORTED"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeUnimplemented      Code = "UNIMPLEMENTED"
	CodeInternal           Code = "INTERNAL"
	CodeCancelled          Code = "CANCELLED"
)

// AppPrefix namespaces user-defined codes.
const AppPrefix = "APP_"

type retryRule struct {
	// retryableDefault is the implied retryable flag when the caller sets
	// none. nil means the envelope carries no retryable field by default.
	retryableDefault *bool
	// allowRetryAfter permits a retryAfterMs hint on this code.
	allowRetryAfter bool
	// explicitRequired marks codes whose retryability must not be guessed;
	// an unset flag falls back to false with a warning.
	explicitRequired bool
}

var retryTrue = true

var rules = map[Code]retryRule{
	CodeUnauthenticated:    {},
	CodePermissionDenied:   {},
	CodeInvalidArgument:    {},
	CodeFailedPrecondition: {},
	CodeNotFound:           {},
	CodeAlreadyExists:      {},
	CodeUnimplemented:      {},
	CodeCancelled:          {},
	CodeAborted:            {retryableDefault: &retryTrue, allowRetryAfter: true},
	CodeDeadlineExceeded:   {retryableDefault: &retryTrue, allowRetryAfter: true},
	CodeResourceExhausted:  {retryableDefault: &retryTrue, allowRetryAfter: true},
	CodeUnavailable:        {retryableDefault: &retryTrue, allowRetryAfter: true},
	CodeInternal:           {allowRetryAfter: true, explicitRequired: true},
}

// IsApp reports whether c is in the application namespace.
func IsApp(c Code) bool { return strings.HasPrefix(string(c), AppPrefix) }

// Valid reports whether c is a canonical code or an APP_ code.
func Valid(c Code) bool {
	if IsApp(c) {
		return len(c) > len(AppPrefix)
	}
	_, ok := rules[c]
	return ok
}

// RetryAfterAllowed reports whether a retryAfterMs hint is permitted for c.
// APP_ codes choose their own policy and are always permitted.
func RetryAfterAllowed(c Code) bool {
	if IsApp(c) {
		return true
	}
	return rules[c].allowRetryAfter
}

// RetryableDefault returns the implied retryable flag for c, if any.
func RetryableDefault(c Code) (value bool, ok bool) {
	r, known := rules[c]
	if !known || r.retryableDefault == nil {
		return false, false
	}
	return *r.retryableDefault, true
}

// RetryableExplicitRequired reports whether c demands an explicit retryable
// flag (INTERNAL).
func RetryableExplicitRequired(c Code) bool {
	return rules[c].explicitRequired
}
