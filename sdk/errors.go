package voicepipe

import (
	"fmt"
	"net/url"
)

// ErrorType classifies failures at the pipeline boundary.
type ErrorType string

const (
	// ErrCaptureUnavailable means no capture device or permission is available.
	ErrCaptureUnavailable ErrorType = "capture_unavailable"
	// ErrHandshakeFailed means the session-start REST call failed.
	ErrHandshakeFailed ErrorType = "handshake_failed"
	// ErrConnectTimeout means the duplex connect step exceeded its bound.
	ErrConnectTimeout ErrorType = "connect_timeout"
	// ErrConnection is a transport-level failure on an established session.
	ErrConnection ErrorType = "connection_error"
	// ErrSendFailed means an individual outbound message could not be written.
	ErrSendFailed ErrorType = "send_failed"
	// ErrMaxReconnectAttempts means the session exhausted its reconnect budget
	// and is terminal; the caller must start a new conversation.
	ErrMaxReconnectAttempts ErrorType = "max_reconnect_attempts_exceeded"
)

// Error is the structured error returned across the SDK boundary.
// No other error shape (and no panic) crosses lifecycle calls.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error of the same type, so callers can
// match on taxonomy with errors.Is(err, &Error{Type: ErrConnectTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Type == t.Type
}

func newCaptureUnavailableError(msg string, err error) *Error {
	return &Error{Type: ErrCaptureUnavailable, Message: msg, Err: err}
}

func newHandshakeFailedError(msg string, err error) *Error {
	return &Error{Type: ErrHandshakeFailed, Message: msg, Err: err}
}

func newConnectTimeoutError(msg string, err error) *Error {
	return &Error{Type: ErrConnectTimeout, Message: msg, Err: err}
}

func newConnectionError(msg string, err error) *Error {
	return &Error{Type: ErrConnection, Message: msg, Err: err}
}

func newMaxReconnectAttemptsError(attempts int) *Error {
	return &Error{
		Type:    ErrMaxReconnectAttempts,
		Message: fmt.Sprintf("session abandoned after %d reconnect attempts", attempts),
	}
}

// TransportError represents transport-level failures (DNS, timeouts,
// connection reset, TLS handshake) while talking to the session API or
// dialing the duplex endpoint.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical *Error values.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
