// Package backend is the thin adapter around the backend's HTTP contract
// (spec.md §4.1, §6.1): heartbeat, request-next-job, post-status,
// fetch-status, and a connection-reset hook invoked after transport
// failures. Grounded on buildkite-agent/api's Client/Config shape and the
// original Python WorkerAgent's _send_heartbeat/_request_next_job/
// _post_status/_fetch_status/_handle_request_exception methods.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/opeva/job-worker-agent/internal/agenthttp"
	"github.com/opeva/job-worker-agent/logger"
)

const (
	heartbeatTimeout = 10 * time.Second
	nextJobTimeout   = 30 * time.Second
	postStatusTimeout = 10 * time.Second
	fetchStatusTimeout = 10 * time.Second
)

// Job is the payload shape returned by request-next-job (spec.md §3).
type Job struct {
	ID         string `json:"job_id"`
	ConfigPath string `json:"config_path"`
	Name       string `json:"job_name,omitempty"`
}

// Client is a Backend Client (spec.md §4.1). The zero value is not usable;
// construct with NewClient.
type Client struct {
	endpoint string
	workerID string
	logger   logger.Logger

	mu       sync.RWMutex
	http     *http.Client
	external bool // true when the *http.Client was provided by a caller (tests)

	failureMu     sync.Mutex
	lastFailure   string // spec.md §9: "a single last failure context string"
}

// NewClient builds a Backend Client against endpoint (trailing slash
// already stripped by config.Validate) for workerID. If httpClient is nil,
// one is constructed internally and is replaced wholesale by Reset after a
// transport failure; if provided (test injection), Reset becomes a no-op so
// tests retain a single observable *http.Client across the test (spec.md §9
// "session-injection for testing").
func NewClient(endpoint, workerID string, log logger.Logger, httpClient *http.Client) *Client {
	c := &Client{
		endpoint: endpoint,
		workerID: workerID,
		logger:   log,
	}
	if httpClient != nil {
		c.http = httpClient
		c.external = true
	} else {
		c.http = agenthttp.NewClient()
	}
	return c
}

func (c *Client) client() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.http
}

// Reset closes and replaces the underlying HTTP client, unless it was
// externally provided. Grounded on the original agent's _reset_session,
// which skips replacement "if external session".
func (c *Client) Reset() {
	if c.external {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http.CloseIdleConnections()
	c.http = agenthttp.NewClient()
}

// Heartbeat posts a liveness beat. Transport failures are logged
// (deduplicated) and the session is reset; the error is still returned so
// callers (e.g. the health endpoint) can observe it, but the Agent Loop
// must not treat it as fatal (spec.md §7).
func (c *Client) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	body := map[string]string{"worker_id": c.workerID}
	_, err := c.doJSON(ctx, http.MethodPost, "/api/agent/heartbeat", body, nil)
	if err != nil {
		c.handleRequestFailure("heartbeat", err)
		return err
	}
	c.clearFailure()
	return nil
}

// RequestNextJob asks the backend for work. Returns (nil, nil) on HTTP 204
// (no work available) and also on transport failure, after logging it and
// resetting the session, so the Agent Loop sees both as "no job". Returns an
// error on HTTP >=400 or an undecodable response body.
func (c *Client) RequestNextJob(ctx context.Context) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, nextJobTimeout)
	defer cancel()

	body := map[string]string{"worker_id": c.workerID}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/agent/next-job", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		c.handleRequestFailure("next-job", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		c.clearFailure()
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("backend: next-job returned %s", resp.Status)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("backend: decoding next-job response: %w", err)
	}
	c.clearFailure()
	return &job, nil
}

// PostStatus reports a job lifecycle transition. extra's nil-valued entries
// are dropped before marshaling, matching the original agent's
// "**extra filtered to non-null" behavior.
func (c *Client) PostStatus(ctx context.Context, jobID, status string, extra map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, postStatusTimeout)
	defer cancel()

	body := map[string]any{
		"worker_id": c.workerID,
		"job_id":    jobID,
		"status":    status,
	}
	for k, v := range extra {
		if v == nil {
			continue
		}
		body[k] = v
	}

	_, err := c.doJSON(ctx, http.MethodPost, "/api/agent/job-status", body, nil)
	if err != nil {
		c.handleRequestFailure("post-status", err)
		return nil
	}
	c.clearFailure()
	return nil
}

// FetchStatus polls the backend for a job's remote status. Returns ("",
// nil) on 404 or transport failure, matching the original agent's
// _fetch_status (both cases are "unknown" to the Cancellation Monitor).
func (c *Client) FetchStatus(ctx context.Context, jobID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchStatusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/status/"+jobID, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client().Do(req)
	if err != nil {
		// Unlike the other endpoints, fetch-status deliberately bypasses
		// the dedup/Reset machinery: it is polled frequently by the
		// Cancellation Monitor while a job runs, and a flaky backend
		// shouldn't tear down the shared HTTP client out from under a
		// concurrent Heartbeat/PostStatus call on the same job.
		c.logger.Warn("backend: fetch-status for %s failed: %v", jobID, err)
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return "", nil
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil
	}
	return out.Status, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp, fmt.Errorf("backend: %s %s returned %s", method, path, resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, err
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}

	return resp, nil
}

// handleRequestFailure implements spec.md §4.1's de-duplication policy:
// the first failure of a new operation logs at warning, a repeat of the
// same operation logs at debug, and the session is reset every time.
// Grounded on the original agent's _handle_request_exception.
func (c *Client) handleRequestFailure(operation string, err error) {
	c.failureMu.Lock()
	repeat := c.lastFailure == operation
	c.lastFailure = operation
	c.failureMu.Unlock()

	if repeat {
		c.logger.Debug("backend: %s still failing: %v", operation, err)
	} else {
		c.logger.Warn("backend: %s failed: %v", operation, err)
	}

	c.Reset()
}

func (c *Client) clearFailure() {
	c.failureMu.Lock()
	c.lastFailure = ""
	c.failureMu.Unlock()
}
