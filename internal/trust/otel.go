package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	apperrors "cutclip/internal/errors"
)

const instrumentationName = "cutclip/trust"

// telemetry wraps each backend call in a span and records request metrics.
type telemetry struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) *telemetry {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}

	t := &telemetry{tracer: tracer}

	var err error
	t.requests, err = meter.Int64Counter(
		"trust_requests_total",
		metric.WithDescription("Total number of licensing backend requests"),
	)
	if err != nil {
		logger.Warn("failed to create request counter", slog.String("error", err.Error()))
		t.requests, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("trust_requests_total")
	}

	t.duration, err = meter.Float64Histogram(
		"trust_request_duration_seconds",
		metric.WithDescription("Licensing backend request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", slog.String("error", err.Error()))
		t.duration, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("trust_request_duration_seconds")
	}

	return t
}

func (t *telemetry) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, "trust."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("trust.operation", op)),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	outcome := classifyOutcome(err)
	labels := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	t.requests.Add(ctx, 1, labels)
	t.duration.Record(ctx, duration.Seconds(), labels)

	span.SetAttributes(
		attribute.String("trust.outcome", outcome),
		attribute.Float64("trust.duration_ms", float64(duration.Milliseconds())),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

func classifyOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var te *apperrors.TransportError
	if errors.As(err, &te) {
		if te.Timeout() {
			return "timeout"
		}
		return "transport"
	}
	var se *apperrors.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("status_%d", se.Code)
	}
	return "error"
}
