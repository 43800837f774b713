package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError is a transport-level failure. Retryable: the connection
// manager handles it with reconnection and surfaces it to callers only when
// retries are exhausted or a pending request is cut off by the drop.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %s failed", e.Op)
	}
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is non-retryable; the connection manager never
// auto-reconnects after one.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Reason
}

// TimeoutError reports a request or execution exceeding its deadline.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Elapsed)
}

// ValidationError reports a malformed request or frame with field-level
// detail.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s (fields: %v)", e.Message, e.Fields)
}

// RateLimitError carries the server's retry-after hint.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Message, e.RetryAfter)
}

// ExecutionError is a remote execution failure with the peer's
// retry-possible flag.
type ExecutionError struct {
	ExecutionID string
	Code        string
	Message     string
	Retryable   bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s failed (%s): %s", e.ExecutionID, e.Code, e.Message)
}

// SessionExpiredError reports a command rejected because the session
// context the server issued has lapsed.
type SessionExpiredError struct {
	SessionID string
}

func (e *SessionExpiredError) Error() string {
	return "session expired: " + e.SessionID
}

// PermissionError reports a command rejected by the session's permission
// set.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	return "permission denied: " + e.Message
}

// Retryable reports whether err may succeed on retry. Authentication,
// validation, and permission failures never do.
func Retryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var exErr *ExecutionError
	if errors.As(err, &exErr) {
		return exErr.Retryable
	}
	return false
}

// ErrorFromFrame maps a protocol error envelope to the client taxonomy.
// Only error-type envelopes (see IsErrorType) produce a meaningful result;
// anything else maps to a ValidationError about the frame itself.
func ErrorFromFrame(env Envelope) error {
	var p ErrorPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			return &ValidationError{Message: fmt.Sprintf("undecodable %s frame", env.Type)}
		}
	}
	switch env.Type {
	case TypeErrorValidation:
		return &ValidationError{Message: p.Message, Fields: p.Fields}
	case TypeErrorPermissionDenied:
		return &PermissionError{Message: p.Message}
	case TypeErrorRateLimited:
		return &RateLimitError{
			Message:    p.Message,
			RetryAfter: time.Duration(p.RetryAfterSeconds) * time.Second,
		}
	case TypeErrorSessionExpired:
		return &SessionExpiredError{SessionID: env.SessionID}
	default:
		return &ValidationError{Message: fmt.Sprintf("unexpected error frame type %s", env.Type)}
	}
}
