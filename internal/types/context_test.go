package types

import (
	"context"
	"log/slog"
	"testing"
)

func TestWithRequestID_GetRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-123")
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestWithEventID_GetEventID(t *testing.T) {
	ctx := WithEventID(context.Background(), "evt_1")
	if got := GetEventID(ctx); got != "evt_1" {
		t.Errorf("GetEventID() = %q, want %q", got, "evt_1")
	}
}

func TestLoggerFromContext(t *testing.T) {
	t.Run("returns stored logger", func(t *testing.T) {
		stored := slog.New(slog.DiscardHandler)
		ctx := WithLogger(context.Background(), stored)
		if got := LoggerFromContext(ctx, nil); got != stored {
			t.Error("expected the stored logger")
		}
	})

	t.Run("falls back to provided logger", func(t *testing.T) {
		fallback := slog.New(slog.DiscardHandler)
		if got := LoggerFromContext(context.Background(), fallback); got != fallback {
			t.Error("expected the fallback logger")
		}
	})

	t.Run("falls back to default", func(t *testing.T) {
		if got := LoggerFromContext(context.Background(), nil); got == nil {
			t.Error("expected a non-nil default logger")
		}
	})
}
