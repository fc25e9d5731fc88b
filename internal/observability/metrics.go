package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs/upstream calls take
// - Traffic: Request/job/poll throughput
// - Errors: Rate of failures
// - Saturation: Jobs in flight, notifier queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration       metric.Float64Histogram
	JobsTotal         metric.Int64Counter
	JobErrorsTotal    metric.Int64Counter
	JobsActive        metric.Int64UpDownCounter
	JobTransitions    metric.Int64Counter
	UnknownStatuses   metric.Int64Counter
	SubmissionRetries metric.Int64Counter

	// Upstream metrics
	AuthDuration     metric.Float64Histogram
	AuthAttempts     metric.Int64Counter
	PollDuration     metric.Float64Histogram
	PollsTotal       metric.Int64Counter
	CircuitRejected  metric.Int64Counter
	CircuitOpenTotal metric.Int64Counter

	// Notifier metrics (Latency, Traffic, Errors, Saturation)
	NotifyDuration   metric.Float64Histogram
	NotifyDelivered  metric.Int64Counter
	NotifyFailed     metric.Int64Counter
	NotifyDropped    metric.Int64Counter
	NotifyRequeued   metric.Int64Counter
	NotifyQueueSize  metric.Int64Gauge
	NotifyBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("quantumjobs")
	m := &Metrics{meter: meter}

	// HTTP metrics
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

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from submission to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 14400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that ended failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs queued or running remotely (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Applied job state transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UnknownStatuses, err = meter.Int64Counter(
		"job_unknown_provider_status_total",
		metric.WithDescription("Provider status strings with no canonical mapping"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionRetries, err = meter.Int64Counter(
		"job_submission_retries_total",
		metric.WithDescription("Retries of transient submission failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Upstream metrics
	m.AuthDuration, err = meter.Float64Histogram(
		"auth_duration_seconds",
		metric.WithDescription("Authentication call latency per strategy in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AuthAttempts, err = meter.Int64Counter(
		"auth_attempts_total",
		metric.WithDescription("Authentication attempts per strategy"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollDuration, err = meter.Float64Histogram(
		"poll_duration_seconds",
		metric.WithDescription("Status poll latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Total status polls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CircuitRejected, err = meter.Int64Counter(
		"circuit_rejected_total",
		metric.WithDescription("Submissions fast-failed by an open backend circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CircuitOpenTotal, err = meter.Int64Counter(
		"circuit_opened_total",
		metric.WithDescription("Times a backend circuit opened"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Transition event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyRequeued, err = meter.Int64Counter(
		"notify_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events in notifier queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job. Jobs created already failed are not active.
func (m *Metrics) RecordJobCreated(ctx context.Context, backend string, active bool) {
	attrs := metric.WithAttributes(backendAttr(backend))
	m.JobsTotal.Add(ctx, 1, attrs)
	if active {
		m.JobsActive.Add(ctx, 1, attrs)
	}
}

// RecordJobTransition records an applied state change.
func (m *Metrics) RecordJobTransition(ctx context.Context, backend, from, to string) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(backendAttr(backend), fromAttr(from), toAttr(to)))
}

// RecordJobCompleted records a job reaching done or failed.
func (m *Metrics) RecordJobCompleted(ctx context.Context, backend string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(backendAttr(backend)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCancelled records a job being cancelled.
func (m *Metrics) RecordJobCancelled(ctx context.Context, backend string) {
	attrs := metric.WithAttributes(backendAttr(backend))
	m.JobsActive.Add(ctx, -1, attrs)
}

// RecordUnknownStatus records a provider status with no canonical mapping.
func (m *Metrics) RecordUnknownStatus(ctx context.Context, backend string) {
	m.UnknownStatuses.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordSubmissionRetries records retries spent on one submission.
func (m *Metrics) RecordSubmissionRetries(ctx context.Context, backend string, retries int) {
	if retries > 0 {
		m.SubmissionRetries.Add(ctx, int64(retries), metric.WithAttributes(backendAttr(backend)))
	}
}

// RecordAuthAttempt records one network authentication attempt.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, strategy string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(strategyAttr(strategy), successAttr(success))
	m.AuthAttempts.Add(ctx, 1, attrs)
	m.AuthDuration.Record(ctx, durationSeconds, attrs)
}

// RecordPoll records one status poll.
func (m *Metrics) RecordPoll(ctx context.Context, backend string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), successAttr(success))
	m.PollsTotal.Add(ctx, 1, attrs)
	m.PollDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCircuitRejected records a submission refused by an open circuit.
func (m *Metrics) RecordCircuitRejected(ctx context.Context, backend string) {
	m.CircuitRejected.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordCircuitOpened records a circuit transitioning to open.
func (m *Metrics) RecordCircuitOpened(ctx context.Context, backend string) {
	m.CircuitOpenTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a requeued event.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
