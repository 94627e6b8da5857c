package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Reason categorizes an adapter failure for the fallback chain: retryable
// reasons retry the same adapter with backoff, terminal reasons advance to
// the next provider immediately.
type Reason string

const (
	ReasonAuth       Reason = "authentication_failed"
	ReasonCapability Reason = "capability_unsupported"
	ReasonRateLimit  Reason = "rate_limited"
	ReasonMalformed  Reason = "malformed_response"
	ReasonNetwork    Reason = "network_error"
	ReasonTimeout    Reason = "timeout"
	ReasonUnknown    Reason = "unknown"
)

// Retryable reports whether the same adapter is worth another attempt.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonNetwork, ReasonTimeout:
		return true
	default:
		return false
	}
}

// AdapterError is a classified provider failure. Message never contains
// credential material; adapters must sanitize before wrapping.
type AdapterError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *AdapterError) Error() string {
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

func (e *AdapterError) Unwrap() error { return e.Cause }

// NewAdapterError wraps and classifies a provider failure.
func NewAdapterError(provider, model string, cause error) *AdapterError {
	e := &AdapterError{
		Reason:   classifyError(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *AdapterError) WithStatus(status int) *AdapterError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithReason overrides the classification.
func (e *AdapterError) WithReason(r Reason) *AdapterError {
	e.Reason = r
	return e
}

// AsAdapterError extracts an *AdapterError from an error chain.
func AsAdapterError(err error) (*AdapterError, bool) {
	var ae *AdapterError
	ok := errors.As(err, &ae)
	return ae, ok
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonNetwork
	default:
		return ReasonUnknown
	}
}

func classifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid_api_key") || strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "permission"):
		return ReasonAuth
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "server error") ||
		strings.Contains(msg, "internal server"):
		return ReasonNetwork
	default:
		return ReasonUnknown
	}
}
