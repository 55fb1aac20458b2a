package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// meterName is the instrumentation scope name for execution metrics.
const meterName = "github.com/uengine-oss/process-gpt-execution"

// Metrics returns middleware that records per-item processing metrics
// using the global OTel MeterProvider. If no MeterProvider is
// configured, noop instruments are used and this middleware becomes a
// pass-through.
//
// Instruments:
//   - execution.item.duration (Float64Histogram): processing time in
//     seconds, with attributes: activity, tenant_id, status ("ok"/"error")
//   - execution.item.processed (Int64Counter): total processor
//     invocations, with the same attributes
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instruments are created once at construction time. OTel
	// instruments are safe for concurrent use; on error the API returns
	// noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"execution.item.duration",
		metric.WithDescription("Duration of work item processing in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	processed, pErr := meter.Int64Counter(
		"execution.item.processed",
		metric.WithDescription("Total number of processor invocations"),
		metric.WithUnit("{invocation}"),
	)
	_ = pErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, w *workitem.WorkItem, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("activity", w.ActivityName),
			attribute.String("tenant_id", w.TenantID),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		processed.Add(ctx, 1, attrs)

		return err
	}
}
