package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "language_hints must not be empty",
	}

	expected := "invalid_request_error: language_hints must not be empty"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrRateLimit,
		Message: "too many sessions",
		Code:    "rate_limited",
	}

	expected := "rate_limit_error: too many sessions (code: rate_limited)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("rate limit exceeded", 60)
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 60 {
		t.Errorf("RetryAfter = %v, want 60", err.RetryAfter)
	}
}

func TestNewStreamError_OnlyFatalKindIsFatal(t *testing.T) {
	kinds := []ErrorKind{
		KindNegotiationDowngrade,
		KindCorruptStream,
		KindBackendTimeout,
		KindActionTimeout,
		KindAnnotationAnomaly,
		KindUnresolvedActionResult,
	}
	for _, k := range kinds {
		if NewStreamError(k, types.StageSTT, "x", nil).Fatal {
			t.Fatalf("kind %s must not be fatal", k)
		}
	}
	if !NewStreamError(KindFatalStream, "", "x", nil).Fatal {
		t.Fatalf("fatal_stream_error must be fatal")
	}
}

func TestStreamError_UnwrapAndMessage(t *testing.T) {
	se := NewStreamError(KindBackendTimeout, types.StageLLM, "", context.DeadlineExceeded)
	if !errors.Is(se, context.DeadlineExceeded) {
		t.Fatalf("expected errors.Is to see the wrapped deadline error")
	}
	if got, want := se.Error(), "backend_timeout [llm]: context deadline exceeded"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(errors.New("plain")) {
		t.Fatalf("plain error must not be fatal")
	}
	wrapped := fmt.Errorf("turn: %w", NewStreamError(KindFatalStream, "", "boom", nil))
	if !IsFatal(wrapped) {
		t.Fatalf("wrapped fatal stream error must be fatal")
	}
	if !IsFatal(NewBackendHTTPError("sarvam", types.StageSTT, 401, "unauthorized")) {
		t.Fatalf("401 must be a permanent backend error")
	}
	if IsFatal(NewBackendHTTPError("sarvam", types.StageSTT, 503, "unavailable")) {
		t.Fatalf("503 must be transient")
	}
}
