package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContextCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", &buf)

	ctx := logger.WithRequestID(context.Background(), "req-123")
	logger.FromContext(ctx).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line: %v", err)
	}
	if line["request_id"] != "req-123" {
		t.Fatalf("expected request_id attribute, got %v", line["request_id"])
	}
}

func TestFromContextFallsBack(t *testing.T) {
	logger := Default()
	if got := logger.FromContext(context.Background()); got != logger {
		t.Fatal("expected base logger when context carries none")
	}
	if ctx := logger.WithRequestID(context.Background(), ""); ctx.Value(ctxKey{}) != nil {
		t.Fatal("empty request id should not store a logger")
	}
}
