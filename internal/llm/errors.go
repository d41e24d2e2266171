package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a generation request failed.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAuth           Reason = "auth"
	ReasonBilling        Reason = "billing"
	ReasonTimeout        Reason = "timeout"
	ReasonServerError    Reason = "server_error"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonContentFilter  Reason = "content_filter"
	ReasonUnknown        Reason = "unknown"
)

// Transient reports whether the next scheduled run may succeed where this
// one failed.
func (r Reason) Transient() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from a generative model provider.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// newProviderError wraps cause, classifying it by status when known and by
// message otherwise.
func newProviderError(provider, model string, status int, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if status != 0 {
		err.Reason = classifyStatusCode(status)
	}
	if err.Reason == ReasonUnknown && cause != nil {
		err.Reason = ClassifyError(cause)
	}
	return err
}

// ClassifyError inspects an error message and returns the matching Reason.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(s, "rate limit"), strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"), strings.Contains(s, "resource_exhausted"):
		return ReasonRateLimit
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"), strings.Contains(s, "permission_denied"):
		return ReasonAuth
	case strings.Contains(s, "quota"), strings.Contains(s, "billing"):
		return ReasonBilling
	case strings.Contains(s, "safety"), strings.Contains(s, "content_filter"), strings.Contains(s, "blocked"):
		return ReasonContentFilter
	case strings.Contains(s, "internal server"), strings.Contains(s, "server error"),
		strings.Contains(s, "unavailable"), strings.Contains(s, "overloaded"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return ReasonInvalidRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
