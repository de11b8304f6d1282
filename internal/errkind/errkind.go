// Package errkind defines the closed error taxonomy of the replication
// engine. Every failure crossing a component boundary is classified into one
// Kind so that callers branch on kind, never on error strings.
//
// Propagation policy: item-level kinds (RateLimited, Transient, NotFound,
// Fatal) fail only the affected repository; batch-level kinds (ConfigInvalid,
// SourceAuthInvalid, DestinationAuthInvalid) fail the whole batch for that
// user. Cancelled is a clean wind-down with no state regression.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a replication failure.
type Kind int

const (
	// ConfigInvalid marks missing or empty credentials and unparseable
	// URLs. Surfaced to the user; the job is refused before it starts.
	ConfigInvalid Kind = iota + 1

	// SourceAuthInvalid marks rejected source-forge credentials.
	SourceAuthInvalid

	// DestinationAuthInvalid marks rejected destination credentials,
	// including the observed "uid:0, name:\"\"" response pattern.
	DestinationAuthInvalid

	// RateLimited marks a source rate limit whose reset lies beyond the
	// configured maximum wait. Recoverable; fails the item only.
	RateLimited

	// Transient marks 5xx responses, connection resets and timeouts that
	// survived the retry budget.
	Transient

	// NotFound marks a missing remote resource. During sync of a
	// previously failed repo it is a silent skip; elsewhere an item
	// failure.
	NotFound

	// Conflict marks AlreadyExists responses. Idempotent provisioning
	// coerces it to success; it only propagates where coercion is wrong.
	Conflict

	// Cancelled marks cooperative cancellation of the owning batch.
	Cancelled

	// Fatal marks programming errors and corrupt payloads. Logged with
	// stack; the batch continues with an item failure.
	Fatal
)

// String returns the stable name of the kind, used in events and logs.
func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case SourceAuthInvalid:
		return "source_auth_invalid"
	case DestinationAuthInvalid:
		return "destination_auth_invalid"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Cancelled:
		return "cancelled"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// BatchFatal reports whether a failure of this kind fails the whole batch
// rather than the single item.
func (k Kind) BatchFatal() bool {
	switch k {
	case ConfigInvalid, SourceAuthInvalid, DestinationAuthInvalid:
		return true
	}
	return false
}

// Error is a classified replication error. Msg is safe to surface to users:
// constructors must never embed token material or internal paths in it.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a user-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted user-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The wrapped error is kept for logs
// and errors.Is chains; only Msg is shown to users.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// Fatal, which keeps the batch running while flagging the item.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Fatal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// UserMessage returns the sanitized message for err, or a generic fallback
// for unclassified errors so internal detail never leaks to clients.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}
