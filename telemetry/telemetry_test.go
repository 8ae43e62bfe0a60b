package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/deepnoodle-ai/invoiceflow/capability"
	"github.com/deepnoodle-ai/invoiceflow/match"
	"github.com/deepnoodle-ai/invoiceflow/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recorder struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	engine *invoiceflow.Engine
}

func newRecorder(t *testing.T) *recorder {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	callbacks, err := NewCallbacks(tp, mp)
	require.NoError(t, err)

	erp := capability.NewMockERP(capability.DemoCatalogue()...)
	registry, err := stages.NewRegistry(stages.Options{
		Suite:    capability.NewMockSuite(capability.DefaultProviderTable(), erp),
		Match:    match.DefaultOptions(),
		Approval: invoiceflow.DefaultConfig().Approval,
	})
	require.NoError(t, err)
	engine, err := invoiceflow.NewEngine(invoiceflow.EngineOptions{
		Registry:  registry,
		Store:     invoiceflow.NewMemoryStore(),
		Callbacks: callbacks,
		Retry:     invoiceflow.RetryPolicy{MaxAttempts: 1},
	})
	require.NoError(t, err)
	return &recorder{spans: spans, reader: reader, engine: engine}
}

func (r *recorder) collect(t *testing.T) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func stringAttr(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func matchedInvoice() invoiceflow.Invoice {
	return invoiceflow.Invoice{
		InvoiceID:   "INV-1001",
		VendorName:  "Acme Corporation",
		VendorTaxID: "12-3456789",
		InvoiceDate: "2024-01-15",
		DueDate:     "2024-02-14",
		Amount:      15000,
		Currency:    "USD",
		LineItems: []invoiceflow.LineItem{
			{Description: "Consulting Services per PO-2024-1001", Quantity: 10, UnitPrice: 1500, Total: 15000},
		},
	}
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "invoiceflow"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestCompletedRunProducesNestedSpans(t *testing.T) {
	r := newRecorder(t)

	outcome, err := r.engine.Start(context.Background(), matchedInvoice())
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusCompleted, outcome.Status)

	ended := r.spans.Ended()
	var runSpan sdktrace.ReadOnlySpan
	var stageSpans []sdktrace.ReadOnlySpan
	for _, span := range ended {
		if span.Name() == "invoiceflow.run" {
			runSpan = span
		} else {
			stageSpans = append(stageSpans, span)
		}
	}
	require.NotNil(t, runSpan)
	assert.Equal(t, outcome.RunID, stringAttr(runSpan.Attributes(), "invoiceflow.run_id"))
	assert.Equal(t, "COMPLETED", stringAttr(runSpan.Attributes(), "invoiceflow.status"))

	require.Len(t, stageSpans, len(invoiceflow.HandlerStages()))
	assert.Equal(t, "invoiceflow.stage INTAKE", stageSpans[0].Name())
	for _, span := range stageSpans {
		assert.Equal(t, runSpan.SpanContext().SpanID(), span.Parent().SpanID(), span.Name())
		assert.Equal(t, runSpan.SpanContext().TraceID(), span.SpanContext().TraceID())
	}

	metrics := r.collect(t)
	assert.Equal(t, int64(1), sumOf(t, metrics["invoiceflow.runs"]))
	_, paused := metrics["invoiceflow.checkpoints"]
	assert.False(t, paused)
	hist, ok := metrics["invoiceflow.stage.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(len(invoiceflow.HandlerStages())), count)
}

func TestPauseIsRecorded(t *testing.T) {
	r := newRecorder(t)

	outcome, err := r.engine.Start(context.Background(), invoiceflow.Invoice{
		InvoiceID:   "INV-2002",
		VendorName:  "Unknown Vendor LLC",
		InvoiceDate: "2024-01-20",
		Amount:      75000,
		Currency:    "USD",
		LineItems:   []invoiceflow.LineItem{{Description: "Equipment", Quantity: 1, UnitPrice: 75000, Total: 75000}},
	})
	require.NoError(t, err)
	require.Equal(t, invoiceflow.RunStatusPaused, outcome.Status)

	var runSpan sdktrace.ReadOnlySpan
	for _, span := range r.spans.Ended() {
		if span.Name() == "invoiceflow.run" {
			runSpan = span
		}
	}
	require.NotNil(t, runSpan)
	require.Len(t, runSpan.Events(), 1)
	event := runSpan.Events()[0]
	assert.Equal(t, "checkpoint", event.Name)
	assert.Equal(t, outcome.CheckpointID, stringAttr(event.Attributes, "invoiceflow.checkpoint_id"))
	assert.Equal(t, "PAUSED", stringAttr(runSpan.Attributes(), "invoiceflow.status"))

	metrics := r.collect(t)
	assert.Equal(t, int64(1), sumOf(t, metrics["invoiceflow.checkpoints"]))
}

func TestFailedStageMarksSpanAndCountsError(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	callbacks, err := NewCallbacks(tp, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	boom := errors.New("erp offline")
	run := &invoiceflow.RunEvent{RunID: "run_x", InvoiceID: "INV-1", Status: invoiceflow.RunStatusRunning}
	callbacks.BeforeRun(ctx, run)
	stage := &invoiceflow.StageEvent{RunID: "run_x", Stage: invoiceflow.StagePosting, Attempt: 1}
	callbacks.BeforeStage(ctx, stage)
	stage.Error = boom
	callbacks.AfterStage(ctx, stage)
	run.Status = invoiceflow.RunStatusFailed
	run.Error = invoiceflow.Permanent(boom)
	callbacks.AfterRun(ctx, run)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	for _, span := range ended {
		assert.Equal(t, "Error", span.Status().Code.String())
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "invoiceflow.stage.errors" {
				continue
			}
			found = true
			sum := m.Data.(metricdata.Sum[int64])
			require.Len(t, sum.DataPoints, 1)
			kind, _ := sum.DataPoints[0].Attributes.Value("kind")
			assert.Equal(t, "transient", kind.AsString())
		}
	}
	assert.True(t, found)
}
