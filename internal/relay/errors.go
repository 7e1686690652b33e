package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind tags a relay error class. Provider wrappers return tagged errors
// instead of provider-specific exception types; the engine and orchestrator
// switch on the kind explicitly.
type Kind string

const (
	// KindInvalidFormat: the input text is not a recognized reference.
	KindInvalidFormat Kind = "invalid_format"

	// KindNeedsMembership: the conversation is private/unjoined; an explicit
	// join step is required. Never cached, never retried silently.
	KindNeedsMembership Kind = "needs_membership"

	// KindResolutionFailed: the reference could not be mapped to a handle.
	KindResolutionFailed Kind = "resolution_failed"

	// KindRestricted: the source forbids relaying its content.
	KindRestricted Kind = "restricted"

	// KindNotFound: the message id no longer exists.
	KindNotFound Kind = "not_found"

	// KindTooLarge: the payload exceeds the configured size ceiling.
	KindTooLarge Kind = "too_large"

	// KindTransient: provider throttling or a timeout; retryable after a
	// backoff. RetryAfter carries the provider-advised wait when known.
	KindTransient Kind = "transient"

	// KindFatal: unexpected provider error.
	KindFatal Kind = "fatal"
)

// Error is the tagged error variant used across the relay engine.
type Error struct {
	Kind   Kind
	Detail string

	// RetryAfter is the provider-advised mandatory wait (KindTransient only).
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error with a formatted detail string.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr tags an underlying error.
func WrapErr(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Throttled builds a transient error carrying the provider-advised wait.
func Throttled(retryAfter time.Duration) *Error {
	return &Error{Kind: KindTransient, Detail: "provider throttled", RetryAfter: retryAfter}
}

// KindOf extracts the tag from err. Untagged errors classify as fatal,
// except timeouts, which classify as transient per the retry policy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var to interface{ Timeout() bool }
	if errors.As(err, &to) && to.Timeout() {
		return KindTransient
	}
	return KindFatal
}

// IsKind reports whether err carries the given tag.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// RetryAfterOf returns the provider-advised wait attached to err, if any.
func RetryAfterOf(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// StatusOf maps a terminal error kind onto an outcome status.
func StatusOf(err error) Status {
	switch KindOf(err) {
	case KindRestricted:
		return StatusRestricted
	case KindNotFound:
		return StatusNotFound
	case KindTooLarge:
		return StatusTooLarge
	case KindTransient:
		return StatusTransient
	default:
		return StatusFatal
	}
}
