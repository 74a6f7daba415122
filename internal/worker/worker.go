package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/podworker/worker/internal/infrastructure/gpu"
	"github.com/podworker/worker/internal/infrastructure/telemetry"
)

// Config holds worker runtime configuration
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	Concurrency       int
	JobTimeout        time.Duration
	MaxRetries        int // result delivery retries
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
	DedupeTTL         time.Duration
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		Concurrency:       1,
		JobTimeout:        5 * time.Minute,
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DedupeTTL:         24 * time.Hour,
	}
}

// Recorder persists job lifecycle events (e.g. the local job journal)
type Recorder interface {
	RecordStart(ctx context.Context, job *Job) error
	RecordResult(ctx context.Context, result *Result) error
}

// Worker runs the serverless job loop
type Worker struct {
	config   Config
	client   APIClient
	handler  Handler
	store    IdempotencyStore
	recorder Recorder
	gpus     *gpu.Inventory
	metrics  *telemetry.WorkerMetrics
	logger   *zap.Logger

	jobs       chan *Job
	inflight   map[string]struct{}
	inflightMu sync.Mutex

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// Option is a functional option for configuring Worker
type Option func(*Worker)

// WithStore sets the idempotency store used to skip redelivered jobs
func WithStore(store IdempotencyStore) Option {
	return func(w *Worker) {
		w.store = store
	}
}

// WithRecorder sets the job journal recorder
func WithRecorder(recorder Recorder) Option {
	return func(w *Worker) {
		w.recorder = recorder
	}
}

// WithGPUs attaches the GPU inventory reported in heartbeats
func WithGPUs(inv *gpu.Inventory) Option {
	return func(w *Worker) {
		w.gpus = inv
	}
}

// WithMetrics attaches worker metrics
func WithMetrics(m *telemetry.WorkerMetrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a worker for the given control-plane client and handler
func New(config Config, client APIClient, handler Handler, opts ...Option) (*Worker, error) {
	if client == nil {
		return nil, errors.New("control-plane client is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	w := &Worker{
		config:   config,
		client:   client,
		handler:  handler,
		jobs:     make(chan *Job),
		inflight: make(map[string]struct{}),
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start starts the poll loop, executors, and heartbeat loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return errors.New("worker already running")
	}
	w.isRunning = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.executorLoop(i)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx)

	if w.config.HeartbeatInterval > 0 {
		w.wg.Add(1)
		go w.heartbeatLoop(ctx)
	}

	w.logger.Info("Worker started",
		zap.String("worker_id", w.config.WorkerID),
		zap.Int("concurrency", w.config.Concurrency),
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Duration("job_timeout", w.config.JobTimeout),
	)

	return nil
}

// Stop gracefully stops the worker, draining in-flight jobs.
// The context bounds how long the drain may take.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the IDs of jobs currently executing
func (w *Worker) InFlight() []string {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()

	ids := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id)
	}
	return ids
}

// pollLoop takes jobs from the control plane and feeds the executors.
// Closing the jobs channel on exit lets executors drain and stop.
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.jobs)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.client.TakeJob(ctx)
		if err != nil {
			w.handlePollError(ctx, err)
			continue
		}

		if w.isDuplicate(ctx, job.ID) {
			w.logger.Warn("Skipping redelivered job", zap.String("job_id", job.ID))
			continue
		}

		w.metrics.JobTaken(ctx)

		select {
		case w.jobs <- job:
		case <-ctx.Done():
			// Shutdown raced the dispatch; report the job back as unprocessed
			// by letting the control plane time it out
			w.logger.Warn("Dropping job taken during shutdown", zap.String("job_id", job.ID))
			return
		}
	}
}

// handlePollError logs and backs off according to the error kind
func (w *Worker) handlePollError(ctx context.Context, err error) {
	delay := w.config.PollInterval

	switch {
	case errors.Is(err, ErrNoJob):
		// Queue empty, normal idle path
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	default:
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
		w.metrics.PollError(ctx)
		w.logger.Error("Failed to take job", zap.Error(err))
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// isDuplicate marks the job in the idempotency store and reports whether it
// was already processed
func (w *Worker) isDuplicate(ctx context.Context, jobID string) bool {
	if w.store == nil {
		return false
	}

	fresh, err := w.store.MarkProcessed(ctx, jobID, w.config.DedupeTTL)
	if err != nil {
		// Fail open: a broken dedupe backend must not stall the queue
		w.logger.Error("Idempotency store unavailable", zap.Error(err))
		return false
	}
	return !fresh
}

// executorLoop runs jobs until the channel is closed
func (w *Worker) executorLoop(id int) {
	defer w.wg.Done()

	for job := range w.jobs {
		w.trackInflight(job.ID, true)

		// Execution uses its own context so a shutdown drains running jobs
		// instead of killing them; Stop's context bounds the overall wait.
		result := w.Execute(context.Background(), job)
		w.submitResult(context.Background(), result)

		w.trackInflight(job.ID, false)

		w.logger.Debug("Executor finished job",
			zap.Int("executor", id),
			zap.String("job_id", job.ID),
			zap.String("status", string(result.Status)),
		)
	}
}

// Execute runs a single job through the handler and builds its result
// envelope. It is also used directly by the local development API.
func (w *Worker) Execute(ctx context.Context, job *Job) *Result {
	started := time.Now()

	delay := int64(0)
	if !job.ReceivedAt.IsZero() {
		delay = started.Sub(job.ReceivedAt).Milliseconds()
	}

	if w.recorder != nil {
		if err := w.recorder.RecordStart(ctx, job); err != nil {
			w.logger.Error("Failed to record job start", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	jobCtx := ctx
	var cancel context.CancelFunc
	if w.config.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.config.JobTimeout)
		defer cancel()
	}
	jobCtx = withProgress(jobCtx, w.client, job.ID)

	output, err := w.runHandler(jobCtx, job)
	elapsed := time.Since(started)

	result := &Result{
		ID:            job.ID,
		DelayTime:     delay,
		ExecutionTime: elapsed.Milliseconds(),
	}

	switch {
	case err == nil:
		result.Status = StatusCompleted
		result.Output = output
	case errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil:
		result.Status = StatusTimedOut
		result.Error = fmt.Sprintf("job exceeded timeout of %s", w.config.JobTimeout)
	default:
		result.Status = StatusFailed
		result.Error = err.Error()
	}

	w.metrics.JobFinished(ctx, string(result.Status), elapsed)

	if w.recorder != nil {
		if err := w.recorder.RecordResult(ctx, result); err != nil {
			w.logger.Error("Failed to record job result", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	if result.Status == StatusCompleted {
		w.logger.Info("Job completed",
			zap.String("job_id", job.ID),
			zap.Duration("execution", elapsed),
		)
	} else {
		w.logger.Warn("Job did not complete",
			zap.String("job_id", job.ID),
			zap.String("status", string(result.Status)),
			zap.String("error", result.Error),
		)
	}

	return result
}

// runHandler invokes the handler with panic recovery
func (w *Worker) runHandler(ctx context.Context, job *Job) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			w.logger.Error("Handler panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)
		}
	}()

	return w.handler(ctx, job)
}

// submitResult delivers the result with bounded retries
func (w *Worker) submitResult(ctx context.Context, result *Result) {
	operation := func() error {
		return w.client.SubmitResult(ctx, result)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.config.RetryDelay), uint64(w.config.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		w.metrics.SubmitError(ctx)
		w.logger.Error("Failed to deliver job result",
			zap.String("job_id", result.ID),
			zap.String("status", string(result.Status)),
			zap.Error(err),
		)
	}
}

// heartbeatLoop periodically reports liveness and in-flight jobs
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := &Ping{
				WorkerID: w.config.WorkerID,
				JobIDs:   w.InFlight(),
			}
			if w.gpus != nil {
				ping.GPUCount = w.gpus.Count()
				ping.GPUs = w.gpus.Names()
			}

			if err := w.client.SendPing(ctx, ping); err != nil {
				w.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) trackInflight(jobID string, add bool) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()

	if add {
		w.inflight[jobID] = struct{}{}
	} else {
		delete(w.inflight, jobID)
	}
}
