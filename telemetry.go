package linking

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/goliatone/go-linking"

type instruments struct {
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	failures metric.Int64Counter
}

// newInstruments reads the global providers, so cmd must install them first.
func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	outcomes, _ := meter.Int64Counter("linking.outcomes",
		metric.WithDescription("Completed linking operations by operation and outcome"))
	failures, _ := meter.Int64Counter("linking.failures",
		metric.WithDescription("Failed linking operations by operation and error code"))
	return &instruments{
		tracer:   otel.Tracer(instrumentationName),
		outcomes: outcomes,
		failures: failures,
	}
}

func (in *instruments) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "linking."+op, trace.WithAttributes(attrs...))
}

// finish ends span and counts the result of op.
func (in *instruments) finish(ctx context.Context, span trace.Span, op string, outcome string, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if in.failures != nil {
			in.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", op),
				attribute.String("code", errorTextCode(err)),
			))
		}
		return
	}
	span.SetAttributes(attribute.String("linking.outcome", outcome))
	if in.outcomes != nil {
		in.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
}
