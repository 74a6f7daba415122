package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	infraconfig "github.com/podworker/worker/internal/infrastructure/config"
)

const (
	// maxResponseSize limits control-plane response bodies to prevent
	// memory exhaustion on a misbehaving endpoint
	maxResponseSize = 10 * 1024 * 1024 // 10MB
)

var (
	// ErrNoJob is returned by TakeJob when the queue is empty
	ErrNoJob = errors.New("no job available")
)

// APIClient is the control-plane surface the worker depends on
type APIClient interface {
	ProgressReporter

	// TakeJob polls for the next job. Returns ErrNoJob when the queue is empty.
	TakeJob(ctx context.Context) (*Job, error)

	// SubmitResult reports a terminal result for a job
	SubmitResult(ctx context.Context, result *Result) error

	// SendPing reports liveness and the set of in-flight job IDs
	SendPing(ctx context.Context, ping *Ping) error
}

// Ping is the periodic heartbeat payload
type Ping struct {
	WorkerID string   `json:"workerId"`
	JobIDs   []string `json:"jobIds"`
	GPUCount int      `json:"gpuCount"`
	GPUs     []string `json:"gpus,omitempty"`
}

// APIError is a non-2xx response from the control plane
type APIError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request is worth retrying
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPClient talks to the serverless control plane over HTTP
type HTTPClient struct {
	baseURL    string
	workerID   string
	authToken  string
	httpClient *http.Client
	logger     *zap.Logger
}

// HTTPClientOption is a functional option for configuring HTTPClient
type HTTPClientOption func(*HTTPClient)

// WithClientLogger sets a custom logger for the client
func WithClientLogger(logger *zap.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// WithHTTPClient replaces the underlying http.Client (mainly for tests)
func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates a control-plane client from configuration
func NewHTTPClient(cfg infraconfig.ServerlessConfig, opts ...HTTPClientOption) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("serverless base URL is required")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("worker ID is required")
	}

	c := &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		workerID:  cfg.WorkerID,
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			// Long-poll friendly: the job-take endpoint may hold the
			// connection open until a job arrives
			Timeout: 90 * time.Second,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// TakeJob polls for the next job assigned to this worker
func (c *HTTPClient) TakeJob(ctx context.Context) (*Job, error) {
	url := fmt.Sprintf("%s/job-take/%s", c.baseURL, c.workerID)

	body, status, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNoJob
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("control plane returned a job without an ID")
	}
	job.ReceivedAt = time.Now()

	return &job, nil
}

// SubmitResult reports a terminal result for a job
func (c *HTTPClient) SubmitResult(ctx context.Context, result *Result) error {
	url := fmt.Sprintf("%s/job-done/%s/%s", c.baseURL, c.workerID, result.ID)

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if _, _, err := c.do(ctx, http.MethodPost, url, payload); err != nil {
		return err
	}

	return nil
}

// SendPing reports liveness and in-flight jobs
func (c *HTTPClient) SendPing(ctx context.Context, ping *Ping) error {
	url := fmt.Sprintf("%s/ping/%s", c.baseURL, c.workerID)

	payload, err := json.Marshal(ping)
	if err != nil {
		return fmt.Errorf("failed to encode ping: %w", err)
	}

	if _, _, err := c.do(ctx, http.MethodPost, url, payload); err != nil {
		return err
	}

	return nil
}

// SendProgress pushes an intermediate update for a running job
func (c *HTTPClient) SendProgress(ctx context.Context, jobID string, data any) error {
	url := fmt.Sprintf("%s/job-progress/%s/%s", c.baseURL, c.workerID, jobID)

	payload, err := json.Marshal(map[string]any{"output": data})
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	if _, _, err := c.do(ctx, http.MethodPost, url, payload); err != nil {
		return err
	}

	return nil
}

// do executes a request and returns the bounded response body and status.
// Non-2xx statuses (other than 204) become *APIError.
func (c *HTTPClient) do(ctx context.Context, method, url string, payload []byte) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("control plane request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, convErr := strconv.Atoi(retryAfter); convErr == nil {
				apiErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, apiErr
	}

	return body, resp.StatusCode, nil
}
