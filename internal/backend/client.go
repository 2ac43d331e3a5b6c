// Package backend talks to the external job service that actually executes
// tasks. The sync core only observes and cancels; it never runs jobs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusResponse mirrors GET /uploads/status/{taskId}. Producers report
// either a direct percentage or current/total counters, or neither.
type StatusResponse struct {
	Status     string         `json:"status"`
	Percentage *int           `json:"percentage,omitempty"`
	Current    *int           `json:"current,omitempty"`
	Total      *int           `json:"total,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ProgressValue resolves the reported progress, preferring a direct
// percentage over derived counters. ok is false when the response carries
// neither, which is not an error: progress simply stays unchanged.
func (r StatusResponse) ProgressValue() (int, bool) {
	if r.Percentage != nil {
		return *r.Percentage, true
	}
	if r.Current != nil && r.Total != nil && *r.Total > 0 {
		return *r.Current * 100 / *r.Total, true
	}
	return 0, false
}

type CancelResponse struct {
	Message string `json:"message"`
}

type errorDetail struct {
	Detail string `json:"detail"`
}

type Client struct {
	baseURL string
	client  *http.Client
	// streamClient has no timeout; stream lifetimes are caller-managed
	// through contexts.
	streamClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// Status fetches the current state of one task.
func (c *Client) Status(ctx context.Context, taskID string) (StatusResponse, error) {
	url := fmt.Sprintf("%s/uploads/status/%s", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("create status request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("fetch status: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return StatusResponse{}, fmt.Errorf("status endpoint returned %d: %s", res.StatusCode, readDetail(res.Body))
	}

	var out StatusResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return StatusResponse{}, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

// Cancel issues the remote cancel command. The caller applies the optimistic
// local transition regardless of this call's outcome.
func (c *Client) Cancel(ctx context.Context, taskID, clientID string) (CancelResponse, error) {
	payload, err := json.Marshal(map[string]string{"client_id": clientID})
	if err != nil {
		return CancelResponse{}, fmt.Errorf("marshal cancel request: %w", err)
	}

	url := fmt.Sprintf("%s/uploads/task/%s", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(payload))
	if err != nil {
		return CancelResponse{}, fmt.Errorf("create cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return CancelResponse{}, fmt.Errorf("send cancel: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return CancelResponse{}, fmt.Errorf("cancel rejected (%d): %s", res.StatusCode, readDetail(res.Body))
	}

	var out CancelResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return CancelResponse{}, fmt.Errorf("decode cancel response: %w", err)
	}
	return out, nil
}

// OpenStream opens the long-lived per-task status stream. The returned body
// stays open until the context is cancelled or the upstream ends it.
func (c *Client) OpenStream(ctx context.Context, taskID string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/uploads/stream/%s", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail := readDetail(res.Body)
		res.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %d: %s", res.StatusCode, detail)
	}
	return res.Body, nil
}

// readDetail extracts the backend's {detail} error body, falling back to the
// raw text when the body is not JSON.
func readDetail(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	var d errorDetail
	if err := json.Unmarshal(raw, &d); err == nil && strings.TrimSpace(d.Detail) != "" {
		return d.Detail
	}
	return strings.TrimSpace(string(raw))
}
