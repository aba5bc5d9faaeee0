// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// JobFields identifies the job a log line belongs to.
type JobFields struct {
	ID    int64
	Repo  string
	Issue int
	Phase string
}

type jobCtxKey struct{}
type requestCtxKey struct{}

// ContextFields returns the correlation fields carried by ctx: trace, job
// and request, in that order.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if jf, ok := JobFromContext(ctx); ok {
		if jf.ID != 0 {
			fields = append(fields, zap.Int64("job.id", jf.ID))
		}
		if jf.Repo != "" {
			fields = append(fields, zap.String("job.repo", jf.Repo))
		}
		if jf.Issue != 0 {
			fields = append(fields, zap.Int("job.issue", jf.Issue))
		}
		if jf.Phase != "" {
			fields = append(fields, zap.String("job.phase", jf.Phase))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// WithJob attaches job correlation fields to ctx.
func WithJob(ctx context.Context, jf JobFields) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, jf)
}

// WithPhase returns ctx with the job phase replaced. Other job fields are kept.
func WithPhase(ctx context.Context, phase string) context.Context {
	jf, _ := JobFromContext(ctx)
	jf.Phase = phase
	return WithJob(ctx, jf)
}

// JobFromContext returns the job fields stored in ctx, if any.
func JobFromContext(ctx context.Context) (JobFields, bool) {
	jf, ok := ctx.Value(jobCtxKey{}).(JobFields)
	return jf, ok
}

// WithRequestID adds an HTTP request id to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	r, _ := ctx.Value(requestCtxKey{}).(string)
	return r
}
