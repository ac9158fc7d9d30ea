package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferLogger(level string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{
		Level:       level,
		Format:      "json",
		Output:      &buf,
		ServiceName: "storyclip-test",
	}), &buf
}

func TestLoggerOutput(t *testing.T) {
	log, buf := newBufferLogger("debug")

	log.Info("job queued", "lane", "render")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v", err)
	}

	if entry["msg"] != "job queued" {
		t.Errorf("expected msg='job queued', got %v", entry["msg"])
	}
	if entry["lane"] != "render" {
		t.Errorf("expected lane='render', got %v", entry["lane"])
	}
	if entry["service"] != "storyclip-test" {
		t.Errorf("expected service='storyclip-test', got %v", entry["service"])
	}
	if _, ok := entry["time"].(string); !ok {
		t.Errorf("expected formatted time string, got %v", entry["time"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "text", Output: &buf})

	log.Info("sweep finished", "failed", 2)

	if !strings.Contains(buf.String(), "failed=2") {
		t.Errorf("expected key=value output, got: %s", buf.String())
	}
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logFn     func(*Logger)
		shouldLog bool
	}{
		{"info logs info", "info", func(l *Logger) { l.Info("x") }, true},
		{"info drops debug", "info", func(l *Logger) { l.Debug("x") }, false},
		{"debug logs debug", "debug", func(l *Logger) { l.Debug("x") }, true},
		{"warning alias", "warning", func(l *Logger) { l.Warn("x") }, true},
		{"error drops info", "error", func(l *Logger) { l.Info("x") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := newBufferLogger(tt.level)
			tt.logFn(log)

			if hasOutput := buf.Len() > 0; hasOutput != tt.shouldLog {
				t.Errorf("expected shouldLog=%v, got hasOutput=%v", tt.shouldLog, hasOutput)
			}
		})
	}
}

func TestWithHelpers(t *testing.T) {
	tests := []struct {
		name string
		with func(*Logger) *Logger
		want string
	}{
		{"request id", func(l *Logger) *Logger { return l.WithRequestID("req-123") }, `"request_id":"req-123"`},
		{"job id", func(l *Logger) *Logger { return l.WithJobID("job-456") }, `"job_id":"job-456"`},
		{"batch id", func(l *Logger) *Logger { return l.WithBatchID("batch-7") }, `"batch_id":"batch-7"`},
		{"component", func(l *Logger) *Logger { return l.WithComponent("watchdog") }, `"component":"watchdog"`},
		{"error", func(l *Logger) *Logger { return l.WithError(context.DeadlineExceeded) }, "deadline exceeded"},
		{"fields", func(l *Logger) *Logger { return l.WithFields(map[string]any{"clip": "clip_001"}) }, `"clip":"clip_001"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := newBufferLogger("info")
			tt.with(log).Info("test message")

			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected output to contain %s, got: %s", tt.want, buf.String())
			}
		})
	}
}

func TestWithErrorNil(t *testing.T) {
	log, _ := newBufferLogger("info")
	if log.WithError(nil) != log {
		t.Error("WithError(nil) should return same logger")
	}
}

func TestFromContext(t *testing.T) {
	log, buf := newBufferLogger("info")

	ctx := ContextWithRequestID(context.Background(), "req-abc")
	ctx = ContextWithJobID(ctx, "job-xyz")
	ctx = ContextWithBatchID(ctx, "batch-1")

	log.FromContext(ctx).Info("test message")

	for _, want := range []string{"req-abc", "job-xyz", "batch-1"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected output to contain %s, got: %s", want, buf.String())
		}
	}
}

func TestLogError(t *testing.T) {
	log, buf := newBufferLogger("info")

	log.LogError(context.Background(), "render failed", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected nil error to be ignored, got: %s", buf.String())
	}

	log.LogError(ContextWithJobID(context.Background(), "job-1"), "render failed", context.Canceled)

	out := buf.String()
	if !strings.Contains(out, "context canceled") || !strings.Contains(out, "job-1") {
		t.Errorf("expected error and job id in output, got: %s", out)
	}
	if !strings.Contains(out, "logger_test.go") {
		t.Errorf("expected caller source in output, got: %s", out)
	}
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.Error("discarded")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{" error ", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if level := parseLevel(tt.input); level.String() != tt.expected {
				t.Errorf("parseLevel(%q) = %s, expected %s", tt.input, level.String(), tt.expected)
			}
		})
	}
}
