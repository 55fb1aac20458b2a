package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// tracerName is the instrumentation scope name for execution tracing.
const tracerName = "github.com/uengine-oss/process-gpt-execution"

// Tracing returns middleware that wraps item processing in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: execution.item.id, execution.item.activity,
// execution.tenant_id, execution.proc_inst_id, execution.attempt.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, w *workitem.WorkItem, next Handler) error {
		ctx, span := tracer.Start(ctx, "execution.item.process",
			trace.WithAttributes(
				attribute.String("execution.item.id", w.ID.String()),
				attribute.String("execution.item.activity", w.ActivityName),
				attribute.String("execution.tenant_id", w.TenantID),
				attribute.String("execution.proc_inst_id", w.ProcInstID),
				attribute.Int("execution.attempt", w.AttemptCount),
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
