package types

import "fmt"

// ErrorCode represents a unified error code across the coordinator.
type ErrorCode string

// Matching and delegation error codes
const (
	ErrNoEligibleAgent    ErrorCode = "NO_ELIGIBLE_AGENT"
	ErrAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentBusy          ErrorCode = "AGENT_BUSY"
	ErrTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrConcurrentMutation ErrorCode = "CONCURRENT_MUTATION"
	ErrRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"
)

// Negotiation error codes
const (
	ErrNegotiationTimeout ErrorCode = "NEGOTIATION_TIMEOUT"
	ErrNegotiationRefused ErrorCode = "NEGOTIATION_REFUSED"
	ErrTransportClosed    ErrorCode = "TRANSPORT_CLOSED"
)

// Oracle and infrastructure error codes
const (
	ErrOracleFailure      ErrorCode = "ORACLE_FAILURE"
	ErrOracleParse        ErrorCode = "ORACLE_PARSE"
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrConflictNotFound   ErrorCode = "CONFLICT_NOT_FOUND"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
