package channels

import (
	"errors"
	"fmt"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// ErrorCode represents a specific error condition in channel operations.
// Error codes help with error classification, monitoring, and retry decisions.
type ErrorCode string

const (
	// ErrCodeConnection indicates network or connection-related failures
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates rejected credentials
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit indicates the upstream platform throttled the call
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeInvalidInput indicates invalid message data
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeTimeout  ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeUnavailable indicates the service is temporarily unavailable
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// ErrCodeConfig indicates a configuration error
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeNotConnected is returned by sends on an adapter that is not connected.
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// ErrCodeNotSupported is returned when a capability is missing on a platform.
	ErrCodeNotSupported ErrorCode = "NOT_SUPPORTED"
)

// Error is a structured channel error carrying a code and optional context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to work.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithContext adds contextual information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error represents a transient failure.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConnection:
		return true
	default:
		return false
	}
}

func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

func ErrUnavailable(message string, err error) *Error {
	return NewError(ErrCodeUnavailable, message, err)
}

func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// ErrNotConnected reports a send attempted while the adapter is not connected.
func ErrNotConnected(channelType models.ChannelType) *Error {
	return NewError(ErrCodeNotConnected, string(channelType)+" adapter is not connected", nil)
}

// ErrNotSupported reports a capability the platform does not offer.
func ErrNotSupported(channelType models.ChannelType, capability Capability) *Error {
	return NewError(ErrCodeNotSupported,
		fmt.Sprintf("%s does not support %s", channelType, capability), nil).
		WithContext("capability", string(capability))
}

// GetErrorCode extracts the ErrorCode from an error if it's a channel Error,
// otherwise returns ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable returns true if err is a retryable channel error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return false
}

// IsNotConnected reports whether err was caused by sending on a disconnected adapter.
func IsNotConnected(err error) bool {
	return err != nil && GetErrorCode(err) == ErrCodeNotConnected
}
