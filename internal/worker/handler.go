package worker

import "context"

// Handler processes a single job and returns its output.
// Returning an error produces a FAILED result; panics are recovered and
// treated the same way. The context is cancelled when the job times out or
// the worker shuts down.
type Handler func(ctx context.Context, job *Job) (any, error)

// ProgressReporter pushes intermediate progress for a running job
type ProgressReporter interface {
	SendProgress(ctx context.Context, jobID string, data any) error
}

type progressKey struct{}

type progressBinding struct {
	reporter ProgressReporter
	jobID    string
}

// withProgress binds a progress reporter for the job to the context
func withProgress(ctx context.Context, reporter ProgressReporter, jobID string) context.Context {
	if reporter == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, &progressBinding{reporter: reporter, jobID: jobID})
}

// ReportProgress sends an intermediate progress update for the job bound to
// the context. It is a no-op outside a job execution.
func ReportProgress(ctx context.Context, data any) error {
	binding, ok := ctx.Value(progressKey{}).(*progressBinding)
	if !ok {
		return nil
	}
	return binding.reporter.SendProgress(ctx, binding.jobID, data)
}
