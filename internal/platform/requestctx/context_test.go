package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger")
	}
	logger := zap.NewExample()
	if got := Logger(WithLogger(context.Background(), logger)); got != logger {
		t.Fatalf("expected stored logger")
	}
	if got := Logger(WithLogger(context.Background(), nil)); got != NoopLogger() {
		t.Fatalf("nil logger should fall back to noop")
	}
}

func TestTraceAndActor(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", Sampled: true})
	if TraceID(ctx) != "abc" {
		t.Fatalf("expected trace id")
	}
	if _, ok := ActorFrom(ctx); ok {
		t.Fatalf("unexpected actor")
	}
	ctx = WithActor(ctx, Actor{ID: "uid-1", Role: "admin"})
	actor, ok := ActorFrom(ctx)
	if !ok || actor.ID != "uid-1" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}
