package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_JobAndPhase(t *testing.T) {
	ctx := WithJob(context.Background(), JobFields{ID: 3, Repo: "acme/web", Issue: 44})
	ctx = WithPhase(ctx, "review")

	jf, ok := JobFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(3), jf.ID)
	assert.Equal(t, "review", jf.Phase)

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["job.id"])
	assert.True(t, keys["job.repo"])
	assert.True(t, keys["job.issue"])
	assert.True(t, keys["job.phase"])
}

func TestContextFields_Trace(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithRequestID(ctx, "req-1")

	got := map[string]string{}
	for _, f := range ContextFields(ctx) {
		got[f.Key] = f.String
	}
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", got["span_id"])
	assert.Equal(t, "req-1", got["request.id"])
}
