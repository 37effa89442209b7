package execution

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "autotip/execution"

type instruments struct {
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	transitions, _ := meter.Int64Counter("autotip.executions",
		metric.WithDescription("Execution state transitions by resulting status"))
	latency, _ := meter.Float64Histogram("autotip.execution.submit.duration",
		metric.WithDescription("Time spent submitting a transfer"),
		metric.WithUnit("s"))
	return &instruments{transitions: transitions, latency: latency}
}

func (i *instruments) transition(ctx context.Context, status Status) {
	if i == nil || i.transitions == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (i *instruments) observe(ctx context.Context, elapsed time.Duration, network string, ok bool) {
	if i == nil || i.latency == nil {
		return
	}
	i.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("network", network),
		attribute.Bool("ok", ok),
	))
}
