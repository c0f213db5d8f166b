// common/logger/logger_test.go
package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	cases := []struct {
		level   string
		wantErr bool
	}{
		{"", false}, {"debug", false}, {"info", false}, {"warn", false},
		{"error", false}, {"verbose", true},
	}
	for _, c := range cases {
		t.Run(c.level, func(t *testing.T) {
			l, err := New(Config{Level: c.level, DevMode: true})
			if (err != nil) != c.wantErr {
				t.Fatalf("New(%q) error = %v; wantErr %v", c.level, err, c.wantErr)
			}
			if err == nil && l == nil {
				t.Fatal("New returned nil logger")
			}
		})
	}
}

// Проверяем, что WithContext переносит все три поля из контекста.
func TestWithContext_Fields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{raw: zap.New(core)}

	ctx := ContextWithTraceID(context.Background(), "t-1")
	ctx = ContextWithRequestID(ctx, "r-1")
	ctx = ContextWithContextID(ctx, "ctx42")

	l.WithContext(ctx).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries; want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	for k, want := range map[string]string{"trace_id": "t-1", "request_id": "r-1", "context_id": "ctx42"} {
		if got := fields[k]; got != want {
			t.Errorf("%s = %v; want %q", k, got, want)
		}
	}
	if got := ContextID(ctx); got != "ctx42" {
		t.Errorf("ContextID = %q; want ctx42", got)
	}
}

func TestWithContext_EmptyReturnsSame(t *testing.T) {
	l := Nop()
	if l.WithContext(context.Background()) != l {
		t.Error("WithContext without fields should return the same logger")
	}
}
