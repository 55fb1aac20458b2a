package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/middleware"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

func testItem() *workitem.WorkItem {
	return &workitem.WorkItem{
		ID:           id.NewWorkItemID(),
		TenantID:     "acme",
		ProcInstID:   "proc-1",
		ActivityName: "Review Request",
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	record := func(name string) middleware.Middleware {
		return func(ctx context.Context, w *workitem.WorkItem, next middleware.Handler) error {
			order = append(order, name+" in")
			err := next(ctx)
			order = append(order, name+" out")
			return err
		}
	}

	chain := middleware.Chain(record("outer"), record("inner"))
	err := chain(context.Background(), testItem(), func(ctx context.Context) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"outer in", "inner in", "handler", "inner out", "outer out"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRecoverConvertsPanic(t *testing.T) {
	mw := middleware.Recover(slog.New(slog.DiscardHandler))
	err := mw(context.Background(), testItem(), func(ctx context.Context) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("panic not converted to error")
	}
}

func TestTimeoutCancelsContext(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)
	err := mw(context.Background(), testItem(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestTracingRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	mw := middleware.TracingWithTracer(tracer)
	procErr := errors.New("downstream returned 503")
	err := mw(context.Background(), testItem(), func(ctx context.Context) error {
		return procErr
	})
	if !errors.Is(err, procErr) {
		t.Fatalf("middleware swallowed error: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "execution.item.process" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", span.Status().Code)
	}
	var foundTenant bool
	for _, attr := range span.Attributes() {
		if string(attr.Key) == "execution.tenant_id" && attr.Value.AsString() == "acme" {
			foundTenant = true
		}
	}
	if !foundTenant {
		t.Error("tenant attribute missing from span")
	}
}

func TestMetricsRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	mw := middleware.MetricsWithMeter(meter)
	if err := mw(context.Background(), testItem(), func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if err := mw(context.Background(), testItem(), func(ctx context.Context) error {
		return errors.New("fail")
	}); err == nil {
		t.Fatal("middleware swallowed error")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "execution.item.processed" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("processed data type = %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("processed total = %d, want 2", total)
	}
}
