package wserrors

import (
	"io"
	"log/slog"
	"time"
)

// Options carries the caller-controlled parts of an error payload.
type Options struct {
	Message string
	Details map[string]any

	// Retryable, when non-nil, overrides any per-code default.
	Retryable *bool
	// RetryAfterMs, when non-nil, hints when a retry may succeed and implies
	// retryable=true unless overridden.
	RetryAfterMs *int64
	// RetryAfterNone emits an explicit retryAfterMs:null ("impossible under
	// policy") and implies retryable=false unless overridden.
	RetryAfterNone bool
}

// Builder constructs ERROR / RPC_ERROR envelopes. The zero value is usable;
// Log defaults to a discard logger and Now to time.Now.
type Builder struct {
	Log *slog.Logger
	Now func() time.Time
}

func (b *Builder) log() *slog.Logger {
	if b != nil && b.Log != nil {
		return b.Log
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (b *Builder) now() time.Time {
	if b != nil && b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build assembles the outbound envelope for kind/code. The result is a plain
// map so that retryAfterMs can be emitted as an explicit JSON null.
func (b *Builder) Build(kind Kind, code Code, opts Options) map[string]any {
	logger := b.log()
	if !Valid(code) {
		logger.Error("invalid error code replaced with INTERNAL", "code", string(code))
		code = CodeInternal
		opts.Retryable = nil
		opts.RetryAfterMs = nil
		opts.RetryAfterNone = false
	}

	payload := map[string]any{"code": string(code)}
	if opts.Message != "" {
		payload["message"] = opts.Message
	}
	if opts.Details != nil {
		if d := SanitizeDetails(opts.Details); len(d) > 0 {
			payload["details"] = d
		}
	}

	hasRetryAfter := opts.RetryAfterMs != nil || opts.RetryAfterNone
	if hasRetryAfter && !RetryAfterAllowed(code) {
		logger.Warn("retryAfterMs dropped: forbidden for code", "code", string(code))
		opts.RetryAfterMs = nil
		opts.RetryAfterNone = false
		hasRetryAfter = false
	}

	retryable, hasRetryable := resolveRetryable(code, opts)
	if !hasRetryable && RetryableExplicitRequired(code) {
		logger.Warn("retryable unspecified for code requiring an explicit flag; defaulting to false", "code", string(code))
		retryable, hasRetryable = false, true
	}
	if hasRetryable {
		payload["retryable"] = retryable
	}
	if hasRetryAfter {
		if opts.RetryAfterNone {
			payload["retryAfterMs"] = nil
		} else {
			payload["retryAfterMs"] = *opts.RetryAfterMs
		}
	}

	meta := map[string]any{"timestamp": b.now().UnixMilli()}
	typ := "ERROR"
	if kind.IsRPC() {
		typ = "RPC_ERROR"
		meta["correlationId"] = kind.CorrelationID()
	}
	return map[string]any{"type": typ, "meta": meta, "payload": payload}
}

func resolveRetryable(code Code, opts Options) (value bool, ok bool) {
	if opts.Retryable != nil {
		return *opts.Retryable, true
	}
	if opts.RetryAfterNone {
		return false, true
	}
	if opts.RetryAfterMs != nil {
		return true, true
	}
	return RetryableDefault(code)
}

// Bool is a convenience for Options.Retryable.
func Bool(v bool) *bool { return &v }

// Int64 is a convenience for Options.RetryAfterMs.
func Int64(v int64) *int64 { return &v }
