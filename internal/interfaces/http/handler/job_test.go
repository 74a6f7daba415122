package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podworker/worker/internal/infrastructure/journal"
	"github.com/podworker/worker/internal/worker"
)

// fakeExecutor echoes the job input back as output
type fakeExecutor struct {
	mu       sync.Mutex
	executed []*worker.Job
	done     chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{done: make(chan struct{}, 16)}
}

func (f *fakeExecutor) Execute(ctx context.Context, job *worker.Job) *worker.Result {
	f.mu.Lock()
	f.executed = append(f.executed, job)
	f.mu.Unlock()
	f.done <- struct{}{}

	return &worker.Result{
		ID:     job.ID,
		Status: worker.StatusCompleted,
		Output: json.RawMessage(job.Input),
	}
}

// fakeHistory serves canned journal records
type fakeHistory struct {
	records map[string]*journal.JobRecord
}

func (f *fakeHistory) FindByID(ctx context.Context, jobID string) (*journal.JobRecord, error) {
	record, ok := f.records[jobID]
	if !ok {
		return nil, journal.ErrNotFound
	}
	return record, nil
}

func (f *fakeHistory) ListRecent(ctx context.Context, limit int) ([]journal.JobRecord, error) {
	records := make([]journal.JobRecord, 0, len(f.records))
	for _, r := range f.records {
		records = append(records, *r)
	}
	return records, nil
}

func setupJobRouter(executor Executor, history History) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewJobHandler(executor, history, nil).RegisterRoutes(engine.Group(""))
	return engine
}

func TestRun(t *testing.T) {
	t.Run("accepts job and executes in background", func(t *testing.T) {
		executor := newFakeExecutor()
		engine := setupJobRouter(executor, &fakeHistory{})

		body := bytes.NewBufferString(`{"id":"job-1","input":{"prompt":"hi"}}`)
		req := httptest.NewRequest(http.MethodPost, "/run", body)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp struct {
			Success bool `json:"success"`
			Data    struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "job-1", resp.Data.ID)
		assert.Equal(t, string(worker.StatusInQueue), resp.Data.Status)

		select {
		case <-executor.done:
		case <-time.After(2 * time.Second):
			t.Fatal("background execution never happened")
		}
	})

	t.Run("generates an ID when absent", func(t *testing.T) {
		executor := newFakeExecutor()
		engine := setupJobRouter(executor, &fakeHistory{})

		body := bytes.NewBufferString(`{"input":{"prompt":"hi"}}`)
		req := httptest.NewRequest(http.MethodPost, "/run", body)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Data.ID)
	})

	t.Run("rejects missing input", func(t *testing.T) {
		engine := setupJobRouter(newFakeExecutor(), &fakeHistory{})

		req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(`{}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "ERR_BAD_REQUEST")
	})
}

func TestRunSync(t *testing.T) {
	executor := newFakeExecutor()
	engine := setupJobRouter(executor, &fakeHistory{})

	body := bytes.NewBufferString(`{"id":"job-1","input":{"n":7}}`)
	req := httptest.NewRequest(http.MethodPost, "/runsync", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ID     string          `json:"id"`
			Status string          `json:"status"`
			Output json.RawMessage `json:"output"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "job-1", resp.Data.ID)
	assert.Equal(t, string(worker.StatusCompleted), resp.Data.Status)
	assert.JSONEq(t, `{"n":7}`, string(resp.Data.Output))
}

func TestStatus(t *testing.T) {
	finished := time.Now()
	history := &fakeHistory{records: map[string]*journal.JobRecord{
		"job-1": {
			ID:            "job-1",
			Status:        string(worker.StatusCompleted),
			Output:        `{"answer":42}`,
			ExecutionTime: 120,
			StartedAt:     finished.Add(-time.Second),
			FinishedAt:    &finished,
		},
	}}
	engine := setupJobRouter(newFakeExecutor(), history)

	t.Run("returns record", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status/job-1", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data jobStatusResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "job-1", resp.Data.ID)
		assert.Equal(t, string(worker.StatusCompleted), resp.Data.Status)
		assert.JSONEq(t, `{"answer":42}`, string(resp.Data.Output))
	})

	t.Run("404 for unknown job", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/status/missing", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "ERR_NOT_FOUND")
	})
}

func TestJobs(t *testing.T) {
	history := &fakeHistory{records: map[string]*journal.JobRecord{
		"job-1": {ID: "job-1", Status: string(worker.StatusCompleted)},
		"job-2": {ID: "job-2", Status: string(worker.StatusFailed), Error: "boom"},
	}}
	engine := setupJobRouter(newFakeExecutor(), history)

	t.Run("lists records", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data []jobStatusResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Data, 2)
	})

	t.Run("rejects out-of-range limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs?limit=10000", nil)
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
