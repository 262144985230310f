package comfy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func testWorkflow(t *testing.T) *Workflow {
	t.Helper()
	wf, err := BuildBaseImageWorkflow(GenerationInput{Prompt: "a red fox"}, nil)
	require.NoError(t, err)
	return wf
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Options{})
	require.Error(t, err)
}

func TestNewClient_UnsupportedProxyScheme(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "http://worker:8188", ProxyURL: "ftp://proxy:1080"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported proxy scheme")
}

func TestQueueWorkflow(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/prompt", r.URL.Path)
		require.Equal(t, UserAgent, r.Header.Get("User-Agent"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "prompt")

		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-123"})
	}))

	promptID, err := c.QueueWorkflow(context.Background(), testWorkflow(t))
	require.NoError(t, err)
	assert.Equal(t, "p-123", promptID)
}

func TestQueueWorkflow_NilWorkflow(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	_, err := c.QueueWorkflow(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input")
}

func TestQueueWorkflow_WorkerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`workflow validation failed: unknown node`))
	}))

	_, err := c.QueueWorkflow(context.Background(), testWorkflow(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestGetJobStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status/p-42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(JobStatusResponse{
			Status:   "processing",
			Progress: 55,
		})
	}))

	status, err := c.GetJobStatus(context.Background(), "p-42")
	require.NoError(t, err)
	assert.Equal(t, "processing", status.Status)
	assert.Equal(t, 55, status.Progress)
	assert.Equal(t, "p-42", status.PromptID)
}

func TestExecuteWorkflow_StreamsProgress(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prompt":
			_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-9"})
		default:
			n := polls.Add(1)
			resp := JobStatusResponse{PromptID: "p-9"}
			switch n {
			case 1:
				resp.Status, resp.Progress = "queued", 0
			case 2:
				resp.Status, resp.Progress = "processing", 50
			default:
				resp.Status, resp.Progress = "completed", 100
				resp.Images = []string{"atelier_00001.png"}
			}
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))

	var seen []int
	result, err := c.ExecuteWorkflow(context.Background(), testWorkflow(t), 10*time.Millisecond, func(p int) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	assert.Equal(t, "p-9", result.PromptID)
	assert.Equal(t, []string{"atelier_00001.png"}, result.Images)
	assert.Equal(t, []int{0, 50, 100}, seen)
}

func TestExecuteWorkflow_Failure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/prompt" {
			_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-9"})
			return
		}
		_ = json.NewEncoder(w).Encode(JobStatusResponse{Status: "failed", Error: "CUDA out of memory"})
	}))

	_, err := c.ExecuteWorkflow(context.Background(), testWorkflow(t), 10*time.Millisecond, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestExecuteWorkflow_ContextCancelled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/prompt" {
			_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-9"})
			return
		}
		_ = json.NewEncoder(w).Encode(JobStatusResponse{Status: "processing", Progress: 10})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ExecuteWorkflow(ctx, testWorkflow(t), 10*time.Millisecond, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetAvailableNodes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/object_info", r.URL.Path)
		_, _ = w.Write([]byte(`{"KSampler":{},"KSamplerAdvanced":{},"FreeU_V2":{}}`))
	}))

	nodes, err := c.GetAvailableNodes(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"KSampler", "KSamplerAdvanced", "FreeU_V2"}, nodes)
}

func TestHealthCheck(t *testing.T) {
	healthy := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/system_stats", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	assert.True(t, healthy.HealthCheck(context.Background()))

	broken := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	assert.False(t, broken.HealthCheck(context.Background()))
}
