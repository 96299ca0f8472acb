package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol failure. The taxonomy drives both the HTTP
// status mapping on the server and the retry/grace policy on the client.
type Kind int

const (
	// KindTransport covers connection and timeout failures. Always
	// retryable; subject to the client grace-period policy.
	KindTransport Kind = iota
	// KindValidation covers malformed or incomplete request fields. Fatal
	// for that request, never retried automatically.
	KindValidation
	// KindAuthentication covers invalid signatures, nonce replays and stale
	// timestamps. Fatal, audited, never silently retried with the same
	// payload.
	KindAuthentication
	// KindAuthorization covers revoked/expired licenses and exceeded device
	// quotas. Fatal and user-visible.
	KindAuthorization
	// KindIntegrity marks a server-signature verification failure on a
	// response. The client discards the payload and treats the exchange as
	// a transport failure.
	KindIntegrity
	// KindInternal is an unexpected server-side failure, reported to the
	// caller with a generic message only.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error is the explicit result type for protocol failures; it replaces
// exception-driven control flow with a value carrying the taxonomy kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a protocol error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a protocol error wrapping an underlying cause.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from err, defaulting to KindInternal for
// anything that is not a protocol error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// MessageOf extracts the user-facing message from err, or a generic one.
func MessageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return "internal error"
}
