package dispatcher

import (
	"context"

	"appbench-orchestrator/services/task"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	outcomes metric.Int64Counter
	retries  metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) instruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("appbench-orchestrator/dispatcher")

	// Instrument creation only fails on invalid names; the returned
	// instruments are no-ops in that case.
	outcomes, _ := meter.Int64Counter("orchestrator.subtask.outcomes",
		metric.WithDescription("Subtasks that reached a terminal status."))
	retries, _ := meter.Int64Counter("orchestrator.subtask.retries",
		metric.WithDescription("Failed analyzer attempts that were retried."))
	duration, _ := meter.Float64Histogram("orchestrator.main_task.duration",
		metric.WithDescription("Wall time from claim to finalization."),
		metric.WithUnit("s"))
	return instruments{outcomes: outcomes, retries: retries, duration: duration}
}

func (i instruments) outcome(ctx context.Context, service string, status task.Status) {
	i.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("status", status.String()),
	))
}

func (i instruments) retry(ctx context.Context, service string) {
	i.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}
