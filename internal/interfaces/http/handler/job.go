package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podworker/worker/internal/infrastructure/journal"
	"github.com/podworker/worker/internal/worker"
)

// Executor runs a job and returns its terminal result
type Executor interface {
	Execute(ctx context.Context, job *worker.Job) *worker.Result
}

// History reads the persisted job journal
type History interface {
	FindByID(ctx context.Context, jobID string) (*journal.JobRecord, error)
	ListRecent(ctx context.Context, limit int) ([]journal.JobRecord, error)
}

// JobHandler serves job submission and status endpoints for local development
type JobHandler struct {
	BaseHandler
	executor Executor
	history  History
	logger   *zap.Logger
}

// NewJobHandler creates a job handler
func NewJobHandler(executor Executor, history History, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		executor: executor,
		history:  history,
		logger:   logger,
	}
}

// RegisterRoutes registers job endpoints
func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/run", h.Run)
	rg.POST("/runsync", h.RunSync)
	rg.GET("/status/:id", h.Status)
	rg.GET("/jobs", h.Jobs)
}

// runRequest is the submission payload
type runRequest struct {
	ID      string          `json:"id"`
	Input   json.RawMessage `json:"input" binding:"required"`
	Webhook string          `json:"webhook"`
}

func (r *runRequest) toJob() *worker.Job {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &worker.Job{
		ID:         id,
		Input:      r.Input,
		Webhook:    r.Webhook,
		ReceivedAt: time.Now(),
	}
}

// jobStatusResponse is the journal record rendered for API consumers
type jobStatusResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

func toStatusResponse(record *journal.JobRecord) jobStatusResponse {
	resp := jobStatusResponse{
		ID:            record.ID,
		Status:        record.Status,
		Error:         record.Error,
		DelayTime:     record.DelayTime,
		ExecutionTime: record.ExecutionTime,
		StartedAt:     record.StartedAt,
		FinishedAt:    record.FinishedAt,
	}
	if record.Output != "" {
		resp.Output = json.RawMessage(record.Output)
	}
	return resp
}

// Run accepts a job and executes it in the background
func (h *JobHandler) Run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "input is required: "+err.Error())
		return
	}

	job := req.toJob()

	// Detached from the request context so the job outlives the response
	go func() {
		h.executor.Execute(context.Background(), job)
	}()

	h.logger.Info("Job accepted", zap.String("job_id", job.ID))
	h.Accepted(c, gin.H{
		"id":     job.ID,
		"status": worker.StatusInQueue,
	})
}

// RunSync accepts a job, executes it, and returns the result in the response
func (h *JobHandler) RunSync(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "input is required: "+err.Error())
		return
	}

	result := h.executor.Execute(c.Request.Context(), req.toJob())
	h.Success(c, result)
}

// Status returns the journal record for a job
func (h *JobHandler) Status(c *gin.Context) {
	jobID := c.Param("id")

	record, err := h.history.FindByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			h.NotFound(c, "job not found: "+jobID)
			return
		}
		h.logger.Error("Failed to read job record", zap.String("job_id", jobID), zap.Error(err))
		h.Internal(c, "failed to read job record")
		return
	}

	h.Success(c, toStatusResponse(record))
}

// jobsQuery holds list parameters
type jobsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// Jobs lists recently processed jobs, newest first
func (h *JobHandler) Jobs(c *gin.Context) {
	var query jobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.BadRequest(c, "invalid limit: "+err.Error())
		return
	}

	records, err := h.history.ListRecent(c.Request.Context(), query.Limit)
	if err != nil {
		h.logger.Error("Failed to list job records", zap.Error(err))
		h.Internal(c, "failed to list job records")
		return
	}

	responses := make([]jobStatusResponse, len(records))
	for i := range records {
		responses[i] = toStatusResponse(&records[i])
	}
	h.Success(c, responses)
}
