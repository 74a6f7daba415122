package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AttrJobStatus labels job outcome metrics with the terminal status
var AttrJobStatus = attribute.Key("job.status")

// WorkerMetrics records job loop metrics. A nil *WorkerMetrics is valid and
// all methods are no-ops, so callers never need to guard instrumentation.
type WorkerMetrics struct {
	jobsTaken    metric.Int64Counter
	jobsFinished metric.Int64Counter
	jobDuration  metric.Float64Histogram
	pollErrors   metric.Int64Counter
	submitErrors metric.Int64Counter
}

// NewWorkerMetrics creates the job loop instruments on the given meter
func NewWorkerMetrics(meter metric.Meter) (*WorkerMetrics, error) {
	jobsTaken, err := meter.Int64Counter(
		"worker.jobs.taken",
		metric.WithDescription("Jobs taken from the control plane"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs taken counter: %w", err)
	}

	jobsFinished, err := meter.Int64Counter(
		"worker.jobs.finished",
		metric.WithDescription("Jobs finished, labelled by terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs finished counter: %w", err)
	}

	jobDuration, err := meter.Float64Histogram(
		"worker.job.duration",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 300, 900),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job duration histogram: %w", err)
	}

	pollErrors, err := meter.Int64Counter(
		"worker.poll.errors",
		metric.WithDescription("Failed job-take requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll errors counter: %w", err)
	}

	submitErrors, err := meter.Int64Counter(
		"worker.submit.errors",
		metric.WithDescription("Results that could not be delivered after retries"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create submit errors counter: %w", err)
	}

	return &WorkerMetrics{
		jobsTaken:    jobsTaken,
		jobsFinished: jobsFinished,
		jobDuration:  jobDuration,
		pollErrors:   pollErrors,
		submitErrors: submitErrors,
	}, nil
}

// JobTaken records a job taken from the queue
func (m *WorkerMetrics) JobTaken(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsTaken.Add(ctx, 1)
}

// JobFinished records a finished job with its terminal status and duration
func (m *WorkerMetrics) JobFinished(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrJobStatus.String(status))
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, d.Seconds(), attrs)
}

// PollError records a failed job-take request
func (m *WorkerMetrics) PollError(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollErrors.Add(ctx, 1)
}

// SubmitError records a result that could not be delivered
func (m *WorkerMetrics) SubmitError(ctx context.Context) {
	if m == nil {
		return
	}
	m.submitErrors.Add(ctx, 1)
}
