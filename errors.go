package thinclient

import (
	"errors"
	"fmt"
)

// ErrKind discriminates the error taxonomy the router surfaces. Only
// LostConnection triggers router-level failover; every other kind
// surfaces to the caller unmodified.
type ErrKind int

const (
	// KindIllegalArgument marks bad input supplied synchronously by the
	// caller: an empty endpoint list, a malformed "host:port", a nil cache
	// name.
	KindIllegalArgument ErrKind = iota
	// KindIllegalState marks Send/Connect called while the router is not
	// in the state that operation requires.
	KindIllegalState
	// KindConnectionFailed marks a socket (TCP or TLS) that would not open.
	KindConnectionFailed
	// KindHandshakeFailed marks a server that rejected protocol
	// negotiation.
	KindHandshakeFailed
	// KindAuthFailed marks a server that rejected credentials.
	KindAuthFailed
	// KindLostConnection marks a session that died mid-request or before a
	// response arrived. The only kind the router retries on.
	KindLostConnection
	// KindOperationError marks a non-zero status returned by the server.
	KindOperationError
	// KindSerialization marks a codec that refused a value/type
	// combination.
	KindSerialization
)

func (k ErrKind) String() string {
	switch k {
	case KindIllegalArgument:
		return "IllegalArgument"
	case KindIllegalState:
		return "IllegalState"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindHandshakeFailed:
		return "HandshakeFailed"
	case KindAuthFailed:
		return "AuthFailed"
	case KindLostConnection:
		return "LostConnection"
	case KindOperationError:
		return "OperationError"
	case KindSerialization:
		return "SerializationError"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across this package's public
// surface. Code is populated only for KindOperationError, carrying the
// server's status code; for that kind Message is the server's message
// verbatim, for the other kinds a description of the failure.
type Error struct {
	Kind    ErrKind
	Message string
	Code    int32
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, thinclient.ErrLostConnection) style checks against
// the sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Sentinels usable with errors.Is(err, thinclient.ErrX).
var (
	ErrIllegalArgument  = &Error{Kind: KindIllegalArgument}
	ErrIllegalState     = &Error{Kind: KindIllegalState}
	ErrConnectionFailed = &Error{Kind: KindConnectionFailed}
	ErrHandshakeFailed  = &Error{Kind: KindHandshakeFailed}
	ErrAuthFailed       = &Error{Kind: KindAuthFailed}
	ErrLostConnection   = &Error{Kind: KindLostConnection}
	ErrOperationError   = &Error{Kind: KindOperationError}
	ErrSerialization    = &Error{Kind: KindSerialization}
)

// OperationError builds the error variant returned when the server reports
// a non-zero response status, carrying its code and message verbatim.
func OperationError(code int32, message string) *Error {
	return &Error{Kind: KindOperationError, Code: code, Message: message}
}
