// Package channels holds the error taxonomy and rate limiting shared by the
// chat provider client and the pipeline.
package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a failure for logging, metrics and abort decisions.
type ErrorCode string

const (
	ErrCodeConnection     ErrorCode = "CONNECTION_ERROR"
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	// ErrCodeMalformed marks an unparseable provider payload. The item is
	// skipped and the batch continues.
	ErrCodeMalformed   ErrorCode = "MALFORMED_INPUT"
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeTimeout     ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal    ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeConfig      ErrorCode = "CONFIG_ERROR"
)

// Error is a classified provider or pipeline failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	// Context carries debugging key/values such as channel or message ids.
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithContext attaches a debugging key/value and returns e.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsTransient reports whether the next scheduled tick may succeed where this
// attempt failed.
func (e *Error) IsTransient() bool {
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

func ErrMalformed(message string, err error) *Error {
	return NewError(ErrCodeMalformed, message, err)
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

// FromStatus classifies an HTTP status returned by a provider.
func FromStatus(status int, message string, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimit(message, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthentication(message, err)
	case status == http.StatusNotFound:
		return ErrNotFound(message, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout(message, err)
	case status >= 500:
		return ErrUnavailable(message, err)
	case status >= 400:
		return ErrMalformed(message, err)
	default:
		return ErrInternal(message, err)
	}
}

// GetErrorCode extracts the ErrorCode from err. Context deadline errors map
// to ErrCodeTimeout; anything unclassified is ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeInternal
}

// IsTransient reports whether err is a classified transient failure or a
// context deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsTransient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
