// errors.go defines the error taxonomy for venue operations.
//
// Every failure crossing the adapter boundary is classified into one of a
// small set of kinds so callers can decide between retrying, escalating, and
// giving up without inspecting venue-specific payloads.
package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a venue failure.
type ErrorKind string

const (
	// KindAuthFailure covers rejected credentials, bad signatures, and
	// expired nonces. Never retried.
	KindAuthFailure ErrorKind = "AUTH_FAILURE"

	// KindThrottled means the venue rejected the request for rate limiting.
	// Retryable after backoff.
	KindThrottled ErrorKind = "THROTTLED"

	// KindTransient covers timeouts, connection resets, and 5xx responses.
	// Retryable.
	KindTransient ErrorKind = "TRANSIENT_NETWORK"

	// KindVenueReject means the venue understood the request and refused it
	// (insufficient margin, unknown symbol, closed market). Not retryable.
	KindVenueReject ErrorKind = "VENUE_REJECT"

	// KindUnknown is everything unclassifiable. Treated as not retryable.
	KindUnknown ErrorKind = "UNKNOWN"
)

// Error is a classified venue failure.
type Error struct {
	Kind ErrorKind
	Code int    // HTTP status, 0 for transport-level failures
	Msg  string // venue-provided message, if any
	Err  error  // underlying cause
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("venue %s (code %d): %s", e.Kind, e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("venue %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("venue %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind == KindThrottled || e.Kind == KindTransient
}

// IsRetryable reports whether err is a retryable venue failure.
func IsRetryable(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Retryable()
}

// IsAuthFailure reports whether err is a credential or signature failure.
func IsAuthFailure(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindAuthFailure
}

// classifyStatus maps an HTTP response to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailure
	case status == http.StatusTooManyRequests:
		return KindThrottled
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindVenueReject
	default:
		return KindUnknown
	}
}

// wrapTransport classifies a transport-level error (no HTTP response).
func wrapTransport(err error) *Error {
	kind := KindUnknown
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindTransient
	}
	return &Error{Kind: kind, Err: err}
}
