package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a Think failure. The controller keys its substitution and
// degradation logic off this value, so adapters must pick carefully:
// anything retryable is Transient, anything that will fail again with the
// same input is Permanent.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindPermanent     Kind = "permanent"
	KindTimeout       Kind = "timeout"
	KindCanceled      Kind = "canceled"
	KindPolicyBlocked Kind = "policy_blocked"
)

// Error is the structured failure returned by every backend adapter.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("backend: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf constructs an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind from err. Context errors map to Timeout/Canceled;
// network errors to Transient; anything unclassified is Permanent so an
// unknown failure can't loop forever.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}
	return KindPermanent
}

// IsRetryable reports whether a failure of this kind may succeed on retry.
func IsRetryable(kind Kind) bool {
	return kind == KindTransient
}

// ClassifyStatus maps an HTTP status code to an error kind. Shared by the
// HTTP adapters; policy refusals are detected from response bodies by the
// adapters themselves.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 408 || status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status == 401 || status == 403:
		return KindPermanent
	default:
		return KindPermanent
	}
}
