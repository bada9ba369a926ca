package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the master engine
type MetricsCollector struct {
	meter metric.Meter

	// Task metrics
	tasksCreated metric.Int64Counter
	tasksActive  metric.Int64UpDownCounter

	// Chain metrics
	deposits     metric.Int64Counter
	refunds      metric.Int64Counter
	chainLatency metric.Float64Histogram

	// Pipeline metrics
	planSteps    metric.Int64Counter
	dispatches   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewMetricsCollector creates a new metrics collector backed by the
// Prometheus exporter. When disabled, every recorder is a no-op.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("econos")

	tasksCreated, err := meter.Int64Counter(
		"econos.tasks.created.total",
		metric.WithDescription("Total number of tasks created"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_created counter: %w", err)
	}

	tasksActive, err := meter.Int64UpDownCounter(
		"econos.tasks.active",
		metric.WithDescription("Number of non-terminal tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks_active gauge: %w", err)
	}

	deposits, err := meter.Int64Counter(
		"econos.escrow.deposits.total",
		metric.WithDescription("Total number of escrow deposits issued"),
		metric.WithUnit("{tx}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deposits counter: %w", err)
	}

	refunds, err := meter.Int64Counter(
		"econos.escrow.refunds.total",
		metric.WithDescription("Total number of refund-and-slash calls"),
		metric.WithUnit("{tx}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refunds counter: %w", err)
	}

	chainLatency, err := meter.Float64Histogram(
		"econos.chain.write.latency",
		metric.WithDescription("Chain write latency including confirmations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain_latency histogram: %w", err)
	}

	planSteps, err := meter.Int64Counter(
		"econos.plan.steps.total",
		metric.WithDescription("Total number of planned pipeline steps"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan_steps counter: %w", err)
	}

	dispatches, err := meter.Int64Counter(
		"econos.worker.dispatches.total",
		metric.WithDescription("Total number of worker authorize dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatches counter: %w", err)
	}

	stepDuration, err := meter.Float64Histogram(
		"econos.step.duration",
		metric.WithDescription("Pipeline step duration from deposit to completion in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step_duration histogram: %w", err)
	}

	return &MetricsCollector{
		meter:        meter,
		tasksCreated: tasksCreated,
		tasksActive:  tasksActive,
		deposits:     deposits,
		refunds:      refunds,
		chainLatency: chainLatency,
		planSteps:    planSteps,
		dispatches:   dispatches,
		stepDuration: stepDuration,
	}, nil
}

// Handler returns the Prometheus scrape handler for mounting on the API
// server.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordTaskCreated records a task creation
func (m *MetricsCollector) RecordTaskCreated(ctx context.Context, taskType string) {
	if m == nil || m.tasksCreated == nil {
		return
	}
	m.tasksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType)))
	m.tasksActive.Add(ctx, 1)
}

// RecordTaskTerminal records a task reaching a terminal status
func (m *MetricsCollector) RecordTaskTerminal(ctx context.Context, status string) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Add(ctx, -1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordDeposit records an escrow deposit outcome and its latency
func (m *MetricsCollector) RecordDeposit(ctx context.Context, status string, latency time.Duration) {
	if m == nil || m.deposits == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.deposits.Add(ctx, 1, attrs)
	m.chainLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("method", "depositTask"),
		attribute.String("status", status),
	))
}

// RecordRefund records a refund-and-slash outcome and its latency
func (m *MetricsCollector) RecordRefund(ctx context.Context, status string, latency time.Duration) {
	if m == nil || m.refunds == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.refunds.Add(ctx, 1, attrs)
	m.chainLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("method", "refundAndSlash"),
		attribute.String("status", status),
	))
}

// RecordPlan records the step count of a produced plan
func (m *MetricsCollector) RecordPlan(ctx context.Context, steps int) {
	if m == nil || m.planSteps == nil {
		return
	}
	m.planSteps.Add(ctx, int64(steps))
}

// RecordDispatch records a worker authorize dispatch
func (m *MetricsCollector) RecordDispatch(ctx context.Context, serviceType string, status string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service_type", serviceType),
		attribute.String("status", status),
	))
}

// RecordStepDuration records a completed step's wall time
func (m *MetricsCollector) RecordStepDuration(ctx context.Context, serviceType string, d time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("service_type", serviceType)))
}
