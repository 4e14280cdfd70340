package wserrors

import "errors"

// Error is a handler-returnable error carrying a canonical code. The router
// maps it onto an error envelope instead of the generic INTERNAL produced for
// plain errors.
type Error struct {
	Code    Code
	Message string
	Opts    Options
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a coded error preserving the underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails attaches (unsanitized) details; sanitization happens at
// envelope construction.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Opts.Details = details
	return e
}

// WithRetryAfterMs attaches a retry hint.
func (e *Error) WithRetryAfterMs(ms int64) *Error {
	e.Opts.RetryAfterMs = Int64(ms)
	return e
}

// FromError extracts a coded error from err's chain.
func FromError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}
