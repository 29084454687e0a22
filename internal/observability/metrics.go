// Package observability wires the OpenTelemetry meter with a Prometheus
// exporter and holds the broker's metrics across the golden four signals:
// latency, traffic, errors and saturation.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobsSubmitted  metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	JobDuration    metric.Float64Histogram
	JobTransitions metric.Int64Counter

	// Scheduler polling metrics
	SchedulerPolls      metric.Int64Counter
	SchedulerPollErrors metric.Int64Counter

	// Staging metrics
	StagingDuration  metric.Float64Histogram
	StagingRetries   metric.Int64Counter
	StagingQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter,
// returning the handler to mount on the metrics port.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobbroker")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs in a non-terminal state (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Submission-to-terminal-state duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 14400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"job_state_transitions_total",
		metric.WithDescription("Total number of job state transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SchedulerPolls, err = meter.Int64Counter(
		"scheduler_polls_total",
		metric.WithDescription("Total number of scheduler state queries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SchedulerPollErrors, err = meter.Int64Counter(
		"scheduler_poll_errors_total",
		metric.WithDescription("Total number of failed scheduler state queries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StagingDuration, err = meter.Float64Histogram(
		"staging_duration_seconds",
		metric.WithDescription("File staging transfer duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StagingRetries, err = meter.Int64Counter(
		"staging_retries_total",
		metric.WithDescription("Total number of retried staging transfers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StagingQueueSize, err = meter.Int64Gauge(
		"staging_queue_size",
		metric.WithDescription("Stage-in tasks waiting for a worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, seconds, attrs)
	if status >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSubmission records a new job entering the system.
func (m *Metrics) RecordSubmission(ctx context.Context, application, destination string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("application", application),
		attribute.String("destination", destination),
	)
	m.JobsSubmitted.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordTransition records a job state transition.
func (m *Metrics) RecordTransition(ctx context.Context, destination, from, to string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordTerminal records a job reaching a terminal state.
func (m *Metrics) RecordTerminal(ctx context.Context, application, destination, state string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("application", application),
		attribute.String("destination", destination),
	)
	m.JobsActive.Add(ctx, -1, attrs)
	m.JobDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("application", application),
		attribute.String("destination", destination),
		attribute.String("state", state),
	))
}

// RecordPoll records one scheduler state query.
func (m *Metrics) RecordPoll(ctx context.Context, destination string, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("destination", destination))
	m.SchedulerPolls.Add(ctx, 1, attrs)
	if failed {
		m.SchedulerPollErrors.Add(ctx, 1, attrs)
	}
}

// RecordStaging records one staging transfer.
func (m *Metrics) RecordStaging(ctx context.Context, destination, direction string, seconds float64) {
	if m == nil {
		return
	}
	m.StagingDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("direction", direction),
	))
}

// RecordStagingRetry records a retried transfer.
func (m *Metrics) RecordStagingRetry(ctx context.Context, destination, direction string) {
	if m == nil {
		return
	}
	m.StagingRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("destination", destination),
		attribute.String("direction", direction),
	))
}

// RecordStagingQueueSize records the stage-in backlog.
func (m *Metrics) RecordStagingQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.StagingQueueSize.Record(ctx, size)
}
