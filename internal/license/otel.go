package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "cutclip/internal/errors"
)

const (
	TracerName = "cutclip/license"
	MeterName  = "cutclip/license"
)

// LicenseMetrics holds the license manager's OpenTelemetry instruments
type LicenseMetrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	Initializations    metric.Int64Counter
	InitializeDuration metric.Float64Histogram

	UsageRecords     metric.Int64Counter
	StateTransitions metric.Int64Counter
}

// InitializeLicenseMetrics creates all license metrics on meter
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}
	var err error

	metrics.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	metrics.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	metrics.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	metrics.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	metrics.Initializations, err = meter.Int64Counter(
		"license_initializations_total",
		metric.WithDescription("Total number of license initialization runs by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create initializations counter: %w", err)
	}

	metrics.InitializeDuration, err = meter.Float64Histogram(
		"license_initialization_duration_seconds",
		metric.WithDescription("License initialization duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create initialization duration histogram: %w", err)
	}

	metrics.UsageRecords, err = meter.Int64Counter(
		"license_usage_records_total",
		metric.WithDescription("Total number of usage decrements by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage records counter: %w", err)
	}

	metrics.StateTransitions, err = meter.Int64Counter(
		"license_state_transitions_total",
		metric.WithDescription("Total number of license status changes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state transitions counter: %w", err)
	}

	return metrics, nil
}

// traceActivation wraps an activation in a span and records its metrics
func (m *Manager) traceActivation(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, "license.activate",
		trace.WithAttributes(attribute.String("license.key_masked", maskLicenseKey(key))),
	)
	defer span.End()

	start := time.Now()
	m.metrics.ActivationAttempts.Add(ctx, 1)

	err := fn(ctx)
	m.recordActivationMetrics(ctx, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(err)))
	} else {
		span.SetStatus(codes.Ok, "license activated")
	}
	return err
}

// traceInitialization wraps one initialization run in a span
func (m *Manager) traceInitialization(ctx context.Context, fn func(ctx context.Context) initResult) initResult {
	ctx, span := m.tracer.Start(ctx, "license.initialize")
	defer span.End()

	start := time.Now()
	res := fn(ctx)

	outcome := res.status.Kind().String()
	if res.err != nil {
		outcome = "network_error"
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("license.outcome", outcome))

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.metrics.Initializations.Add(ctx, 1, attrs)
	m.metrics.InitializeDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	return res
}

func (m *Manager) recordActivationMetrics(ctx context.Context, duration time.Duration, err error) {
	m.metrics.ActivationDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", err == nil)))

	if err == nil {
		m.metrics.ActivationSuccess.Add(ctx, 1)
		return
	}
	m.metrics.ActivationFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("error_type", classifyLicenseError(err))))
}

func (m *Manager) recordUsageMetric(ctx context.Context, outcome string) {
	m.metrics.UsageRecords.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Manager) recordTransition(from, to Status) {
	if from.Kind() == to.Kind() {
		return
	}
	m.metrics.StateTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from.Kind().String()),
		attribute.String("to", to.Kind().String()),
	))
}

// classifyLicenseError buckets an error for metric labels
func classifyLicenseError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperrors.ErrInvalidKeyFormat):
		return "invalid_format"
	case errors.Is(err, apperrors.ErrLicenseRejected):
		return "rejected"
	case errors.Is(err, apperrors.ErrBindingFailed):
		return "binding_failed"
	case apperrors.IsNetwork(err):
		return "network"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
