// Package comfy provides an HTTP client for the ComfyUI-compatible GPU worker.
// It covers workflow submission (fire-and-forget and synchronous with progress),
// status polling, capability discovery and liveness probing, with optional
// proxy support.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 15 * time.Second

	// DefaultPollInterval is the status poll interval for synchronous execution.
	DefaultPollInterval = 2 * time.Second

	// UserAgent identifies Atelier to the worker.
	UserAgent = "Atelier/1.0"
)

// JobStatusResponse is the worker's view of a submitted job.
type JobStatusResponse struct {
	PromptID string   `json:"prompt_id"`
	Status   string   `json:"status"` // queued | processing | completed | failed
	Progress int      `json:"progress"`
	Images   []string `json:"images,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ExecuteResult is the outcome of a synchronous workflow execution.
type ExecuteResult struct {
	PromptID string   `json:"prompt_id"`
	Images   []string `json:"images"`
}

// ProgressFunc receives progress updates (0..100) during synchronous execution.
type ProgressFunc func(progress int)

// Client is the remote worker surface consumed by the job runner.
type Client interface {
	// QueueWorkflow submits a workflow without waiting and returns the prompt id.
	QueueWorkflow(ctx context.Context, wf *Workflow) (string, error)

	// ExecuteWorkflow submits a workflow and polls until a terminal status,
	// reporting progress through onProgress when non-nil.
	ExecuteWorkflow(ctx context.Context, wf *Workflow, pollInterval time.Duration, onProgress ProgressFunc) (*ExecuteResult, error)

	// GetJobStatus fetches the current status of a previously queued job.
	GetJobStatus(ctx context.Context, promptID string) (*JobStatusResponse, error)

	// GetAvailableNodes returns the node class types the worker has installed.
	GetAvailableNodes(ctx context.Context) ([]string, error)

	// HealthCheck reports whether the worker answers its stats endpoint.
	HealthCheck(ctx context.Context) bool

	// BaseURL returns the worker base URL for bookkeeping.
	BaseURL() string
}

type client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// Options configures a worker client.
type Options struct {
	BaseURL      string
	ProxyURL     string // optional, socks5:// or http://
	Timeout      time.Duration
	PollInterval time.Duration // default for ExecuteWorkflow when not given per call
}

// NewClient creates a worker client. The base URL is required.
func NewClient(opts Options) (Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("worker base URL cannot be empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	hc, err := newHTTPClient(opts.ProxyURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient:   hc,
		pollInterval: pollInterval,
	}, nil
}

func (c *client) BaseURL() string {
	return c.baseURL
}

// queueResponse is the worker's reply to a workflow submission.
type queueResponse struct {
	PromptID string `json:"prompt_id"`
	Error    string `json:"error,omitempty"`
}

func (c *client) QueueWorkflow(ctx context.Context, wf *Workflow) (string, error) {
	if wf == nil {
		return "", fmt.Errorf("invalid input: workflow is nil")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"prompt":    wf.Nodes,
		"client_id": UserAgent,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	var qr queueResponse
	if err := c.doJSON(ctx, http.MethodPost, "/prompt", payload, &qr); err != nil {
		return "", err
	}
	if qr.PromptID == "" {
		if qr.Error != "" {
			return "", fmt.Errorf("worker rejected workflow: %s", qr.Error)
		}
		return "", fmt.Errorf("worker returned empty prompt id")
	}

	return qr.PromptID, nil
}

func (c *client) ExecuteWorkflow(ctx context.Context, wf *Workflow, pollInterval time.Duration, onProgress ProgressFunc) (*ExecuteResult, error) {
	promptID, err := c.QueueWorkflow(ctx, wf)
	if err != nil {
		return nil, err
	}

	if pollInterval <= 0 {
		pollInterval = c.pollInterval
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		status, err := c.GetJobStatus(ctx, promptID)
		if err != nil {
			// Transient poll failures are retried on the next tick; the
			// submission already succeeded.
			continue
		}

		if onProgress != nil && status.Progress != lastProgress {
			lastProgress = status.Progress
			onProgress(status.Progress)
		}

		switch status.Status {
		case "completed":
			return &ExecuteResult{PromptID: promptID, Images: status.Images}, nil
		case "failed":
			if status.Error != "" {
				return nil, fmt.Errorf("workflow execution failed: %s", status.Error)
			}
			return nil, fmt.Errorf("workflow execution failed")
		}
	}
}

func (c *client) GetJobStatus(ctx context.Context, promptID string) (*JobStatusResponse, error) {
	if promptID == "" {
		return nil, fmt.Errorf("invalid input: prompt id is empty")
	}

	var status JobStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/status/"+url.PathEscape(promptID), nil, &status); err != nil {
		return nil, err
	}
	if status.PromptID == "" {
		status.PromptID = promptID
	}

	return &status, nil
}

func (c *client) GetAvailableNodes(ctx context.Context) ([]string, error) {
	// /object_info maps node class names to their schemas; only the names
	// matter for variant selection.
	var objectInfo map[string]json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/object_info", nil, &objectInfo); err != nil {
		return nil, err
	}

	nodes := make([]string, 0, len(objectInfo))
	for name := range objectInfo {
		nodes = append(nodes, name)
	}

	return nodes, nil
}

func (c *client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// doJSON performs a request against the worker and decodes a JSON response.
// Non-2xx statuses are mapped to errors carrying the worker's message text so
// the supervisor's classifier can recognize 4xx wording.
func (c *client) doJSON(ctx context.Context, method, path string, body []byte, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read worker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if dest != nil {
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to decode worker response: %w", err)
		}
	}

	return nil
}

// newHTTPClient creates an HTTP client, optionally routed through a
// socks5:// or http:// proxy.
func newHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		transport := &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
		return &http.Client{Timeout: timeout, Transport: transport}, nil
	case "http", "https":
		transport := &http.Transport{Proxy: http.ProxyURL(parsed)}
		return &http.Client{Timeout: timeout, Transport: transport}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
	}
}
