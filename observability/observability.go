// Package observability provides a hook.Extension that records dispatch
// lifecycle counters with OpenTelemetry. Register it on the service to
// get task-level metrics without touching the attempt path:
//
//	svc, err := service.New(
//	    service.WithInvoker(inv),
//	    service.WithHook(observability.New()),
//	)
//
// If no global MeterProvider is configured, the OTel API falls back to
// noop instruments and the extension is free.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/hook"
	"github.com/xraph/conduit/task"
)

// meterName is the instrumentation scope name for conduit metrics.
const meterName = "github.com/xraph/conduit"

// Compile-time checks that Extension implements the hooks it claims.
var (
	_ hook.Extension           = (*Extension)(nil)
	_ hook.TaskSubmitted       = (*Extension)(nil)
	_ hook.AttemptFinished     = (*Extension)(nil)
	_ hook.TaskSucceeded       = (*Extension)(nil)
	_ hook.TaskFailed          = (*Extension)(nil)
	_ hook.TaskCancelled       = (*Extension)(nil)
	_ hook.BreakerStateChanged = (*Extension)(nil)
)

// Extension records lifecycle counters for submitted, succeeded, failed,
// and cancelled tasks, plus retries and breaker short-circuits.
type Extension struct {
	submitted     metric.Int64Counter
	succeeded     metric.Int64Counter
	failed        metric.Int64Counter
	cancelled     metric.Int64Counter
	retries       metric.Int64Counter
	shortCircuits metric.Int64Counter
	transitions   metric.Int64Counter
	taskDuration  metric.Float64Histogram
}

// New creates the extension on the global OTel MeterProvider.
func New() *Extension {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates the extension on a specific meter, for testing or
// multi-provider setups. Instrument creation errors are ignored: the OTel
// API guarantees noop fallbacks.
func NewWithMeter(meter metric.Meter) *Extension {
	e := &Extension{}

	e.submitted, _ = meter.Int64Counter("conduit.task.submitted",
		metric.WithDescription("Total tasks accepted by the dispatcher"),
		metric.WithUnit("{task}"))
	e.succeeded, _ = meter.Int64Counter("conduit.task.succeeded",
		metric.WithDescription("Total tasks that reached the succeeded state"),
		metric.WithUnit("{task}"))
	e.failed, _ = meter.Int64Counter("conduit.task.failed",
		metric.WithDescription("Total tasks that failed terminally"),
		metric.WithUnit("{task}"))
	e.cancelled, _ = meter.Int64Counter("conduit.task.cancelled",
		metric.WithDescription("Total tasks cancelled before completion"),
		metric.WithUnit("{task}"))
	e.retries, _ = meter.Int64Counter("conduit.task.retries",
		metric.WithDescription("Total failed attempts that were retried"),
		metric.WithUnit("{attempt}"))
	e.shortCircuits, _ = meter.Int64Counter("conduit.breaker.short_circuits",
		metric.WithDescription("Total attempts rejected by the open circuit breaker"),
		metric.WithUnit("{attempt}"))
	e.transitions, _ = meter.Int64Counter("conduit.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	e.taskDuration, _ = meter.Float64Histogram("conduit.task.duration",
		metric.WithDescription("End-to-end task duration in seconds"),
		metric.WithUnit("s"))

	return e
}

// Name implements hook.Extension.
func (e *Extension) Name() string { return "observability" }

// OnTaskSubmitted implements hook.TaskSubmitted.
func (e *Extension) OnTaskSubmitted(ctx context.Context, t *task.Task) error {
	e.submitted.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnAttemptFinished implements hook.AttemptFinished. Short-circuited
// attempts carry the circuit-open kind; any other failed attempt counts
// as a retry candidate.
func (e *Extension) OnAttemptFinished(ctx context.Context, t *task.Task, att task.Attempt) error {
	switch att.Kind {
	case "":
		// Successful attempt, nothing to count here.
	case conduit.KindCircuitOpen:
		e.shortCircuits.Add(ctx, 1, taskAttrs(t))
	default:
		e.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task_name", t.Name),
			attribute.String("kind", string(att.Kind)),
		))
	}
	return nil
}

// OnTaskSucceeded implements hook.TaskSucceeded.
func (e *Extension) OnTaskSucceeded(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	attrs := taskAttrs(t)
	e.succeeded.Add(ctx, 1, attrs)
	e.taskDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnTaskFailed implements hook.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, err error) error {
	e.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_name", t.Name),
		attribute.String("kind", string(conduit.KindOf(err))),
	))
	return nil
}

// OnTaskCancelled implements hook.TaskCancelled.
func (e *Extension) OnTaskCancelled(ctx context.Context, t *task.Task) error {
	e.cancelled.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnBreakerStateChanged implements hook.BreakerStateChanged.
func (e *Extension) OnBreakerStateChanged(ctx context.Context, from, to string) error {
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	return nil
}

func taskAttrs(t *task.Task) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("task_name", t.Name))
}
