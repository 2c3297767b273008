package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wayfound/convoy/job"
)

// tracerName is the instrumentation scope name for convoy tracing.
const tracerName = "github.com/wayfound/convoy"

// Tracing returns middleware that wraps job execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: convoy.job.id, convoy.job.type,
// convoy.job.priority, convoy.retry_count, convoy.created_by.
// On error, the span status is set to codes.Error with the message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "convoy.job.execute",
			trace.WithAttributes(
				attribute.String("convoy.job.id", j.ID.String()),
				attribute.String("convoy.job.type", string(j.Type)),
				attribute.String("convoy.job.priority", j.Priority.String()),
				attribute.Int("convoy.retry_count", j.RetryCount),
				attribute.String("convoy.created_by", j.CreatedBy),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
