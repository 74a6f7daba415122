package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraconfig "github.com/podworker/worker/internal/infrastructure/config"
)

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()

	client, err := NewHTTPClient(infraconfig.ServerlessConfig{
		BaseURL:   baseURL,
		WorkerID:  "worker-1",
		AuthToken: "secret-token",
	})
	require.NoError(t, err)
	return client
}

func TestNewHTTPClient_Validation(t *testing.T) {
	t.Run("requires base URL", func(t *testing.T) {
		_, err := NewHTTPClient(infraconfig.ServerlessConfig{WorkerID: "w"})
		assert.ErrorContains(t, err, "base URL")
	})

	t.Run("requires worker ID", func(t *testing.T) {
		_, err := NewHTTPClient(infraconfig.ServerlessConfig{BaseURL: "http://localhost"})
		assert.ErrorContains(t, err, "worker ID")
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		client, err := NewHTTPClient(infraconfig.ServerlessConfig{
			BaseURL:  "http://localhost:8080/",
			WorkerID: "w",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080", client.baseURL)
	})
}

func TestTakeJob(t *testing.T) {
	t.Run("returns job with metadata", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/job-take/worker-1", r.URL.Path)
			assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

			json.NewEncoder(w).Encode(map[string]any{
				"id":    "job-42",
				"input": map[string]any{"prompt": "hello"},
			})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)

		job, err := client.TakeJob(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "job-42", job.ID)
		assert.JSONEq(t, `{"prompt":"hello"}`, string(job.Input))
		assert.False(t, job.ReceivedAt.IsZero())
	})

	t.Run("returns ErrNoJob on 204", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)

		_, err := client.TakeJob(context.Background())
		assert.ErrorIs(t, err, ErrNoJob)
	})

	t.Run("rejects job without ID", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"input":{}}`))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)

		_, err := client.TakeJob(context.Background())
		assert.ErrorContains(t, err, "without an ID")
	})

	t.Run("surfaces APIError with Retry-After", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("slow down"))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)

		_, err := client.TakeJob(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
		assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
		assert.Equal(t, "slow down", apiErr.Body)
		assert.True(t, apiErr.Temporary())
	})
}

func TestSubmitResult(t *testing.T) {
	var received Result
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/job-done/worker-1/job-42", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	result := &Result{
		ID:            "job-42",
		Status:        StatusCompleted,
		Output:        map[string]any{"answer": float64(7)},
		ExecutionTime: 120,
	}
	require.NoError(t, client.SubmitResult(context.Background(), result))

	assert.Equal(t, "job-42", received.ID)
	assert.Equal(t, StatusCompleted, received.Status)
	assert.Equal(t, int64(120), received.ExecutionTime)
}

func TestSendPing(t *testing.T) {
	var received Ping
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping/worker-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	ping := &Ping{
		WorkerID: "worker-1",
		JobIDs:   []string{"job-1", "job-2"},
		GPUCount: 2,
	}
	require.NoError(t, client.SendPing(context.Background(), ping))

	assert.Equal(t, []string{"job-1", "job-2"}, received.JobIDs)
	assert.Equal(t, 2, received.GPUCount)
}

func TestSendProgress(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/job-progress/worker-1/job-42", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	require.NoError(t, client.SendProgress(context.Background(), "job-42", map[string]any{"pct": 50}))
	assert.Equal(t, map[string]any{"pct": float64(50)}, received["output"])
}

func TestAPIError_Temporary(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 429}).Temporary())
	assert.True(t, (&APIError{StatusCode: 503}).Temporary())
	assert.False(t, (&APIError{StatusCode: 400}).Temporary())
	assert.False(t, (&APIError{StatusCode: 404}).Temporary())
}
