package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestStartSpanSetsTraceID(t *testing.T) {
	if err := InitOpenTelemetry("slotpool-test", 1); err != nil {
		t.Fatalf("init: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "test", "op")
	defer EndSpan(span, nil)

	if GetTraceID(ctx) == "" {
		t.Error("StartSpan did not attach a trace id")
	}
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span from the sdk provider")
	}
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "given")

	ctx, span := StartSpan(ctx, "test", "op")
	EndSpan(span, errors.New("boom"))

	if GetTraceID(ctx) != "given" {
		t.Errorf("trace id replaced: %s", GetTraceID(ctx))
	}
}
