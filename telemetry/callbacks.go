package telemetry

import (
	"context"
	"sync"

	"github.com/deepnoodle-ai/invoiceflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/deepnoodle-ai/invoiceflow"

// Callbacks turns engine callbacks into spans and metrics. Each drive of a
// run gets a span; every stage attempt is a child of it.
type Callbacks struct {
	invoiceflow.BaseCallbacks

	tracer trace.Tracer

	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram
	stageErrors   metric.Int64Counter
	pauses        metric.Int64Counter
	matchScore    metric.Float64Histogram

	mutex      sync.Mutex
	runSpans   map[string]trace.Span
	stageSpans map[stageKey]trace.Span
}

type stageKey struct {
	runID   string
	stage   invoiceflow.StageID
	attempt int
}

var _ invoiceflow.Callbacks = (*Callbacks)(nil)

// NewCallbacks builds instruments from the given providers. Nil providers
// fall back to the global ones installed by Init.
func NewCallbacks(tp trace.TracerProvider, mp metric.MeterProvider) (*Callbacks, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(scope)

	c := &Callbacks{
		tracer:     tp.Tracer(scope),
		runSpans:   map[string]trace.Span{},
		stageSpans: map[stageKey]trace.Span{},
	}
	var err error
	if c.runs, err = meter.Int64Counter("invoiceflow.runs",
		metric.WithDescription("Runs returned to the caller, by final status")); err != nil {
		return nil, err
	}
	if c.stageDuration, err = meter.Float64Histogram("invoiceflow.stage.duration",
		metric.WithDescription("Time spent in one stage attempt (ms)"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if c.stageErrors, err = meter.Int64Counter("invoiceflow.stage.errors",
		metric.WithDescription("Failed stage attempts")); err != nil {
		return nil, err
	}
	if c.pauses, err = meter.Int64Counter("invoiceflow.checkpoints",
		metric.WithDescription("Runs paused for human review")); err != nil {
		return nil, err
	}
	if c.matchScore, err = meter.Float64Histogram("invoiceflow.pause.match_score",
		metric.WithDescription("Match score of runs sent to review")); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Callbacks) BeforeRun(ctx context.Context, event *invoiceflow.RunEvent) {
	_, span := c.tracer.Start(ctx, "invoiceflow.run",
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("invoiceflow.run_id", event.RunID),
			attribute.String("invoiceflow.invoice_id", event.InvoiceID),
			attribute.String("invoiceflow.stage", string(event.Stage)),
			attribute.Bool("invoiceflow.resumed", event.Resumed),
		),
	)
	c.mutex.Lock()
	c.runSpans[event.RunID] = span
	c.mutex.Unlock()
}

func (c *Callbacks) AfterRun(ctx context.Context, event *invoiceflow.RunEvent) {
	c.mutex.Lock()
	span, ok := c.runSpans[event.RunID]
	delete(c.runSpans, event.RunID)
	c.mutex.Unlock()

	c.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(event.Status)),
		attribute.Bool("resumed", event.Resumed),
	))
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("invoiceflow.status", string(event.Status)),
		attribute.String("invoiceflow.final_stage", string(event.Stage)),
	)
	if event.Error != nil {
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, event.Error.Error())
	}
	span.End(trace.WithTimestamp(event.EndTime))
}

func (c *Callbacks) BeforeStage(ctx context.Context, event *invoiceflow.StageEvent) {
	c.mutex.Lock()
	parent, ok := c.runSpans[event.RunID]
	c.mutex.Unlock()
	if ok {
		ctx = trace.ContextWithSpan(ctx, parent)
	}
	_, span := c.tracer.Start(ctx, "invoiceflow.stage "+string(event.Stage),
		trace.WithTimestamp(event.StartTime),
		trace.WithAttributes(
			attribute.String("invoiceflow.run_id", event.RunID),
			attribute.String("invoiceflow.stage", string(event.Stage)),
			attribute.Int("invoiceflow.attempt", event.Attempt),
		),
	)
	c.mutex.Lock()
	c.stageSpans[stageKey{event.RunID, event.Stage, event.Attempt}] = span
	c.mutex.Unlock()
}

func (c *Callbacks) AfterStage(ctx context.Context, event *invoiceflow.StageEvent) {
	key := stageKey{event.RunID, event.Stage, event.Attempt}
	c.mutex.Lock()
	span, ok := c.stageSpans[key]
	delete(c.stageSpans, key)
	c.mutex.Unlock()

	attrs := metric.WithAttributes(attribute.String("stage", string(event.Stage)))
	c.stageDuration.Record(ctx, float64(event.Duration.Milliseconds()), attrs)
	if event.Error != nil {
		c.stageErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(event.Stage)),
			attribute.String("kind", string(invoiceflow.ClassifyStageError(event.Error))),
		))
	}
	if !ok {
		return
	}
	if event.Error != nil {
		span.RecordError(event.Error)
		span.SetStatus(codes.Error, event.Error.Error())
	}
	span.End(trace.WithTimestamp(event.EndTime))
}

func (c *Callbacks) OnPause(ctx context.Context, event *invoiceflow.PauseEvent) {
	c.pauses.Add(ctx, 1)
	c.matchScore.Record(ctx, event.MatchScore)

	c.mutex.Lock()
	span, ok := c.runSpans[event.RunID]
	c.mutex.Unlock()
	if ok {
		span.AddEvent("checkpoint", trace.WithAttributes(
			attribute.String("invoiceflow.checkpoint_id", event.CheckpointID),
			attribute.String("invoiceflow.reason", event.Reason),
			attribute.Float64("invoiceflow.match_score", event.MatchScore),
		))
	}
}
