package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CodeValidation, "unknown effect kind")

	if err.Code != CodeValidation {
		t.Errorf("expected code=%s, got %s", CodeValidation, err.Code)
	}
	if err.Message != "unknown effect kind" {
		t.Errorf("expected message='unknown effect kind', got %s", err.Message)
	}
	if len(err.Stack) == 0 {
		t.Error("expected stack trace to be captured")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "simple error",
			err:      New(CodeValidation, "invalid clip range"),
			contains: []string{"VALIDATION_ERROR", "invalid clip range"},
		},
		{
			name: "error with op",
			err: &Error{
				Code:    CodeTransient,
				Message: "render exited",
				Op:      "orchestrator.render",
			},
			contains: []string{"orchestrator.render", "TRANSIENT_INFRA_ERROR", "render exited"},
		},
		{
			name: "error with underlying",
			err: &Error{
				Code:    CodeInternal,
				Message: "reconcile failed",
				Err:     fmt.Errorf("permission denied"),
			},
			contains: []string{"reconcile failed", "permission denied"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			str := tt.err.Error()
			for _, c := range tt.contains {
				if !strings.Contains(str, c) {
					t.Errorf("expected error string to contain %q, got: %s", c, str)
				}
			}
		})
	}
}

func TestWrap(t *testing.T) {
	original := fmt.Errorf("connection reset")
	wrapped := Wrap(original, "jobs.progress", "progress update failed")

	if wrapped == nil {
		t.Fatal("expected wrapped error to be non-nil")
	}
	if wrapped.Code != CodeInternal {
		t.Errorf("expected code=%s, got %s", CodeInternal, wrapped.Code)
	}
	if wrapped.Op != "jobs.progress" {
		t.Errorf("expected op='jobs.progress', got %s", wrapped.Op)
	}
	if errors.Unwrap(wrapped) != original {
		t.Error("Unwrap should return original error")
	}
	if Wrap(nil, "op", "message") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	original := Transient("download timed out")
	wrapped := Wrap(fmt.Errorf("source: %w", original), "orchestrator.source", "resolve failed")

	if wrapped.Code != CodeTransient {
		t.Errorf("expected code to be preserved as %s, got %s", CodeTransient, wrapped.Code)
	}
	if !IsRetryable(wrapped) {
		t.Error("expected wrapped transient error to stay retryable")
	}
}

func TestWrapWithCode(t *testing.T) {
	wrapped := WrapWithCode(fmt.Errorf("bad json"), CodeValidation, "effects.parse", "invalid effects")

	if wrapped.Code != CodeValidation {
		t.Errorf("expected code=%s, got %s", CodeValidation, wrapped.Code)
	}
	if WrapWithCode(nil, CodeValidation, "op", "msg") != nil {
		t.Error("WrapWithCode(nil) should return nil")
	}
}

func TestWithFields(t *testing.T) {
	err := New(CodeValidation, "invalid").
		WithField("field", "distribution.clips").
		WithFields(map[string]any{"index": 2, "start": 10.0})

	if err.Fields["field"] != "distribution.clips" {
		t.Errorf("expected field='distribution.clips', got %v", err.Fields["field"])
	}
	if len(err.Fields) != 3 {
		t.Errorf("expected 3 fields, got %d", len(err.Fields))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, 400},
		{CodeNotFound, 404},
		{CodeConflict, 409},
		{CodeFailedPrecond, 412},
		{CodeResourceExhaust, 429},
		{CodeInternal, 500},
		{CodeStalled, 500},
		{CodeUnavailable, 503},
		{CodeOverloaded, 503},
		{CodeTransient, 503},
		{CodeTimeout, 504},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			if err.HTTPStatus() != tt.status {
				t.Errorf("expected status=%d, got %d", tt.status, err.HTTPStatus())
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code Code
	}{
		{"Internal", Internal("boom"), CodeInternal},
		{"NotFound", NotFound("job", "123"), CodeNotFound},
		{"Validation", Validation("invalid"), CodeValidation},
		{"ValidationField", ValidationField("source", "required"), CodeValidation},
		{"Conflict", Conflict("in use"), CodeConflict},
		{"Timeout", Timeout("ffprobe"), CodeTimeout},
		{"Unavailable", Unavailable("redis"), CodeUnavailable},
		{"Transient", Transientf("exit status %d", 137), CodeTransient},
		{"Stalled", Stalled("job-1", "stalled in queue"), CodeStalled},
		{"Overloaded", Overloaded("render", 100), CodeOverloaded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("expected code=%s, got %s", tt.code, tt.err.Code)
			}
		})
	}

	nf := NotFound("job", "123")
	if nf.Fields["resource"] != "job" || nf.Fields["id"] != "123" {
		t.Errorf("expected resource/id fields, got %v", nf.Fields)
	}
	ov := Overloaded("render", 100)
	if ov.Fields["lane"] != "render" {
		t.Errorf("expected lane field, got %v", ov.Fields)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient("exit 1"), true},
		{"timeout", Timeout("download"), true},
		{"unavailable", Unavailable("storage"), true},
		{"validation", Validation("bad"), false},
		{"stalled", Stalled("j", "stalled"), false},
		{"precondition", New(CodeFailedPrecond, "missing filter"), false},
		{"plain", fmt.Errorf("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("expected IsRetryable=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	if GetCode(New(CodeNotFound, "x")) != CodeNotFound {
		t.Error("expected NOT_FOUND from module error")
	}
	if GetCode(fmt.Errorf("standard")) != CodeInternal {
		t.Error("expected INTERNAL_ERROR from standard error")
	}
	if GetCode(Wrap(Validation("invalid"), "handler", "wrapped")) != CodeValidation {
		t.Error("expected VALIDATION_ERROR through Wrap")
	}
	if IsCode(nil, CodeInternal) {
		t.Error("nil error should not match any code")
	}
}

func TestGetHTTPStatusAndFields(t *testing.T) {
	if GetHTTPStatus(Overloaded("render", 3)) != 503 {
		t.Error("expected 503 for overloaded")
	}
	if GetHTTPStatus(fmt.Errorf("standard")) != 500 {
		t.Error("expected 500 for standard error")
	}
	if GetFields(fmt.Errorf("standard")) != nil {
		t.Error("expected nil fields for standard error")
	}
}

func TestPredicates(t *testing.T) {
	if !IsNotFound(NotFound("job", "1")) || IsNotFound(Validation("x")) {
		t.Error("IsNotFound mismatch")
	}
	if !IsValidation(Validation("x")) || IsValidation(NotFound("job", "1")) {
		t.Error("IsValidation mismatch")
	}
	if !IsOverloaded(Overloaded("render", 1)) || IsOverloaded(Transient("x")) {
		t.Error("IsOverloaded mismatch")
	}
}

func TestStackTrace(t *testing.T) {
	stack := New(CodeInternal, "test error").StackTrace()
	if !strings.Contains(stack, ".go:") {
		t.Errorf("expected stack trace to contain file references, got: %s", stack)
	}
}

func TestErrorIs(t *testing.T) {
	err1 := New(CodeNotFound, "error 1")
	err2 := New(CodeNotFound, "error 2")
	err3 := New(CodeValidation, "error 3")

	if !errors.Is(err1, err2) {
		t.Error("expected errors with same code to match with Is")
	}
	if errors.Is(err1, err3) {
		t.Error("expected errors with different codes to not match")
	}

	var target *Error
	if !As(fmt.Errorf("wrapped: %w", err1), &target) || target.Code != CodeNotFound {
		t.Error("expected As to find Error in chain")
	}
}
