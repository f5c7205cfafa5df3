package logger

import (
	"context"
	"testing"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	if RequestIDFromContext(ctx) != "" || CycleIDFromContext(ctx) != "" {
		t.Fatal("empty context carries IDs")
	}
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithCycleID(ctx, "01HQ")
	if RequestIDFromContext(ctx) != "req-1" {
		t.Errorf("RequestIDFromContext() = %q", RequestIDFromContext(ctx))
	}
	if CycleIDFromContext(ctx) != "01HQ" {
		t.Errorf("CycleIDFromContext() = %q", CycleIDFromContext(ctx))
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != Default() {
		t.Error("FromContext() without logger should return Default()")
	}
}

func TestL_EnrichesWithIDs(t *testing.T) {
	l, buf := newBufferLogger(t, "info")

	ctx := WithLogger(context.Background(), l)
	ctx = WithRequestID(ctx, "req-12345")
	ctx = WithCycleID(ctx, "cycle-1")
	L(ctx).Info("test message")

	entry := decodeLine(t, buf)
	if entry["request_id"] != "req-12345" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["cycle_id"] != "cycle-1" {
		t.Errorf("cycle_id = %v", entry["cycle_id"])
	}
}

func TestL_NoIDs(t *testing.T) {
	l, buf := newBufferLogger(t, "info")
	L(WithLogger(context.Background(), l)).Info("plain")

	entry := decodeLine(t, buf)
	if _, ok := entry["request_id"]; ok {
		t.Error("request_id present without one in context")
	}
}
