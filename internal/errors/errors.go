package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error kind for mapping and observation
type ErrorCode string

const (
	// Admission errors (security gate)
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeInvalidPath      ErrorCode = "INVALID_PATH"
	ErrCodeInvalidQuery     ErrorCode = "INVALID_QUERY"
	ErrCodeAccessDenied     ErrorCode = "ACCESS_DENIED"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeUnsupportedMedia ErrorCode = "UNSUPPORTED_MEDIA_TYPE"

	// Selection and gate errors
	ErrCodeNoOrigins   ErrorCode = "NO_ORIGINS_AVAILABLE"
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// Upstream transport errors
	ErrCodeUpstreamUnreachable ErrorCode = "UPSTREAM_UNREACHABLE"
	ErrCodeUpstreamStatus      ErrorCode = "UPSTREAM_STATUS"
	ErrCodeUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"

	// Client transport errors
	ErrCodeClientWrite ErrorCode = "CLIENT_WRITE_FAILED"

	// Configuration and internal errors
	ErrCodeConfigLoad      ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInvalidStrategy ErrorCode = "INVALID_STRATEGY"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// ProxyError represents a structured error with context
type ProxyError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *ProxyError) Is(target error) bool {
	if t, ok := target.(*ProxyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *ProxyError) WithMetadata(key string, value interface{}) *ProxyError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// CountsAsFailure reports whether the breaker should observe this error as a
// failed call. Admission, selection and gate errors never feed the breaker.
func (e *ProxyError) CountsAsFailure() bool {
	switch e.Code {
	case ErrCodeUpstreamUnreachable, ErrCodeUpstreamStatus, ErrCodeUpstreamTimeout, ErrCodeClientWrite:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the status code the proxy itself originates for
// this error
func (e *ProxyError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidPath, ErrCodeInvalidQuery:
		return 400
	case ErrCodeAccessDenied:
		return 403
	case ErrCodeMethodNotAllowed:
		return 405
	case ErrCodeUnsupportedMedia:
		return 415
	case ErrCodeRateLimited:
		return 429
	case ErrCodeUpstreamUnreachable, ErrCodeUpstreamStatus, ErrCodeUpstreamTimeout:
		return 502
	case ErrCodeNoOrigins, ErrCodeCircuitOpen:
		return 503
	default:
		return 500
	}
}

// New creates a new ProxyError
func New(code ErrorCode, component, message string) *ProxyError {
	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with ProxyError structure
func Wrap(err error, code ErrorCode, component, message string) *ProxyError {
	if err == nil {
		return nil
	}

	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// Common error constructors for frequently used errors

// NewNoOriginsError creates an error for an empty available set
func NewNoOriginsError() *ProxyError {
	return New(
		ErrCodeNoOrigins,
		"load_balancer",
		"No available origin for request",
	)
}

// NewCircuitOpenError creates an error for an open breaker
func NewCircuitOpenError(originID string) *ProxyError {
	return New(
		ErrCodeCircuitOpen,
		"circuit_breaker",
		fmt.Sprintf("Circuit breaker is open for origin %s", originID),
	).WithMetadata("origin_id", originID)
}

// NewRateLimitError creates an error for a rate-limited client
func NewRateLimitError(clientIP string, limit int) *ProxyError {
	return New(
		ErrCodeRateLimited,
		"security_gate",
		fmt.Sprintf("Rate limit exceeded for client %s (limit: %d)", clientIP, limit),
	).WithMetadata("client_ip", clientIP).WithMetadata("limit", limit)
}

// NewAccessDeniedError creates an error for a filtered client IP
func NewAccessDeniedError(clientIP string) *ProxyError {
	return New(
		ErrCodeAccessDenied,
		"security_gate",
		fmt.Sprintf("Access denied for client %s", clientIP),
	).WithMetadata("client_ip", clientIP)
}

// NewUpstreamUnreachableError creates an error for a failed dial or a reset
// before the status line
func NewUpstreamUnreachableError(originID string, cause error) *ProxyError {
	return Wrap(
		cause,
		ErrCodeUpstreamUnreachable,
		"forwarder",
		fmt.Sprintf("Origin %s is unreachable", originID),
	).WithMetadata("origin_id", originID)
}

// NewUpstreamStatusError creates an error for a 5xx upstream response that
// was forwarded to the client but still counts as a breaker failure
func NewUpstreamStatusError(originID string, status int) *ProxyError {
	return New(
		ErrCodeUpstreamStatus,
		"forwarder",
		fmt.Sprintf("Origin %s returned status %d", originID, status),
	).WithMetadata("origin_id", originID).WithMetadata("status", status)
}

// NewClientWriteError creates an error for a failed write to the client
// after headers were flushed
func NewClientWriteError(cause error) *ProxyError {
	return Wrap(cause, ErrCodeClientWrite, "forwarder", "Write to client failed")
}

// Helper functions

// IsProxyError checks if an error is a ProxyError
func IsProxyError(err error) bool {
	var pErr *ProxyError
	return errors.As(err, &pErr)
}

// IsCode checks whether err carries the given error code
func IsCode(err error, code ErrorCode) bool {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrCodeInternal
}

// CountsAsFailure reports whether the breaker should observe err as a failure.
// Unrecognized errors are conservatively treated as failures.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.CountsAsFailure()
	}
	return true
}

// HTTPStatusCode gets the proxy-originated status code for an error
func HTTPStatusCode(err error) int {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.HTTPStatusCode()
	}
	return 500
}
