package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{context.DeadlineExceeded, ReasonTimeout},
		{errors.New("429 too many requests"), ReasonRateLimit},
		{errors.New("401 unauthorized"), ReasonAuth},
		{errors.New("invalid api key provided"), ReasonAuth},
		{errors.New("dial tcp: connection refused"), ReasonNetwork},
		{errors.New("client deadline exceeded while awaiting headers"), ReasonTimeout},
		{errors.New("something inexplicable"), ReasonUnknown},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	e := NewAdapterError("p1", "m1", errors.New("opaque")).WithStatus(429)
	if e.Reason != ReasonRateLimit {
		t.Errorf("Reason = %v, want rate_limited", e.Reason)
	}
	e = NewAdapterError("p1", "m1", errors.New("opaque")).WithStatus(503)
	if e.Reason != ReasonNetwork {
		t.Errorf("Reason = %v, want network_error", e.Reason)
	}
	e = NewAdapterError("p1", "m1", errors.New("opaque")).WithStatus(403)
	if e.Reason != ReasonAuth {
		t.Errorf("Reason = %v, want authentication_failed", e.Reason)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Reason{ReasonRateLimit, ReasonNetwork, ReasonTimeout}
	for _, r := range retryable {
		if !r.Retryable() {
			t.Errorf("%v.Retryable() = false, want true", r)
		}
	}
	terminal := []Reason{ReasonAuth, ReasonCapability, ReasonMalformed, ReasonUnknown}
	for _, r := range terminal {
		if r.Retryable() {
			t.Errorf("%v.Retryable() = true, want false", r)
		}
	}
}

func TestAsAdapterError(t *testing.T) {
	inner := &AdapterError{Reason: ReasonAuth, Provider: "p1"}
	wrapped := fmt.Errorf("send failed: %w", inner)

	got, ok := AsAdapterError(wrapped)
	if !ok || got.Reason != ReasonAuth {
		t.Errorf("AsAdapterError() = %v, %v; want auth error", got, ok)
	}
	if _, ok := AsAdapterError(errors.New("plain")); ok {
		t.Error("AsAdapterError(plain) = true, want false")
	}
}

func TestAdapterErrorMessageOmitsNothingSensitive(t *testing.T) {
	e := NewAdapterError("anthropic-primary", "claude-sonnet-4-20250514", errors.New("401 unauthorized"))
	msg := e.Error()
	for _, want := range []string{"authentication_failed", "anthropic-primary", "model=claude-sonnet-4-20250514"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
