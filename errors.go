package nimbus

import (
	"fmt"
	"runtime"
)

// ErrorCode classifies the error kinds a connection or call can surface,
// per the error handling design: protocol, I/O, timeout and policy errors
// are distinguished so callers can decide whether to retry.
type ErrorCode string

const (
	ErrProtocol              ErrorCode = "protocol_error"
	ErrIO                    ErrorCode = "io_error"
	ErrTimeout               ErrorCode = "timeout"
	ErrConnectionClosed      ErrorCode = "connection_closed"
	ErrNoServers             ErrorCode = "no_server"
	ErrStaleConnection       ErrorCode = "stale_connection"
	ErrAuthViolation         ErrorCode = "auth_violation"
	ErrAuthExpired           ErrorCode = "auth_expired"
	ErrPermissionsViolation  ErrorCode = "permissions_violation"
	ErrInsufficientBuffer    ErrorCode = "insufficient_buffer"
	ErrInvalidSubject        ErrorCode = "invalid_subject"
	ErrInvalidArgument       ErrorCode = "invalid_argument"
	ErrInvalidSubscription   ErrorCode = "invalid_subscription"
	ErrIllegalState          ErrorCode = "illegal_state"
	ErrSlowConsumer          ErrorCode = "slow_consumer"
	ErrMaxPayloadExceeded    ErrorCode = "max_payload_exceeded"
	ErrMaxMessagesDelivered  ErrorCode = "max_messages_delivered"
	ErrNoResponders          ErrorCode = "no_responders"
	ErrNoMemory              ErrorCode = "no_memory"
	ErrNotSupportedByServer  ErrorCode = "not_supported_by_server"
	ErrDraining              ErrorCode = "draining"
	ErrTLS                   ErrorCode = "tls_error"
	ErrMissedHeartbeat       ErrorCode = "missed_heartbeat"
	ErrPullInProgress        ErrorCode = "pull_request_in_progress"
)

// Error is the concrete error type returned by every call documented in
// spec.md §7. It carries the classifying Code, a human message, an
// optionally wrapped cause, and the call site that raised it.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	frame   string
}

func newError(code ErrorCode, msg string, cause error) *Error {
	_, file, line, ok := runtime.Caller(2)
	frame := ""
	if ok {
		frame = fmt.Sprintf("%s:%d", file, line)
	}
	return &Error{Code: code, Message: msg, Cause: cause, frame: frame}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("nimbus: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("nimbus: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Frame returns the file:line the error was constructed at, useful when
// logging async errors delivered through Options.ErrorHandler.
func (e *Error) Frame() string { return e.frame }

// Is makes errors.Is match any *Error target carrying the same Code, e.g.
// errors.Is(err, &Error{Code: ErrTimeout}); a bare ErrorCode is not an
// error value and cannot be used as the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func errf(code ErrorCode, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...), nil)
}

func wrapf(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...), cause)
}
