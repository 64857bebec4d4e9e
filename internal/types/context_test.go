package types

import (
	"context"
	"testing"
)

// mockLogger implements the Logger interface for testing purposes.
type mockLogger struct {
	messages []string
}

func (m *mockLogger) Info(msg string, args ...any)  { m.messages = append(m.messages, "info:"+msg) }
func (m *mockLogger) Error(msg string, args ...any) { m.messages = append(m.messages, "error:"+msg) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.messages = append(m.messages, "warn:"+msg) }
func (m *mockLogger) With(args ...any) Logger       { return m }

func TestWithRequestID_GetRequestID(t *testing.T) {
	t.Run("round-trip", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-abc")
		if got := GetRequestID(ctx); got != "req-abc" {
			t.Errorf("got %q, want %q", got, "req-abc")
		}
	})

	t.Run("missing returns empty", func(t *testing.T) {
		if got := GetRequestID(context.Background()); got != "" {
			t.Errorf("expected empty string, got %q", got)
		}
	})
}

func TestWithLogger_LoggerFromContext(t *testing.T) {
	t.Run("round-trip", func(t *testing.T) {
		logger := &mockLogger{}
		got := LoggerFromContext(WithLogger(context.Background(), logger))
		if got == nil {
			t.Fatal("expected non-nil logger")
		}
		got.Info("hello")
		if len(logger.messages) != 1 || logger.messages[0] != "info:hello" {
			t.Errorf("unexpected messages: %v", logger.messages)
		}
	})

	t.Run("missing returns nil", func(t *testing.T) {
		if LoggerFromContext(context.Background()) != nil {
			t.Error("expected nil logger for empty context")
		}
	})
}

func TestContextKeys_ArePrivate(t *testing.T) {
	ctx := context.WithValue(context.Background(), "request_id", "plain-string-key") //nolint:staticcheck
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("plain string key collided with typed key: %q", got)
	}
}
