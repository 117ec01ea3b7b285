package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the cluster API.
type Client struct {
	BaseURL    string
	Actor      string
	HTTPClient *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is an error response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	JobName    string
}

func (e *APIError) Error() string {
	if e.JobName != "" {
		return fmt.Sprintf("API error (%d %s): %s [job %s]", e.StatusCode, e.Code, e.Message, e.JobName)
	}
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Test submits a dry run.
func (c *Client) Test(ctx context.Context, req ClusterRequest) (*ClusterResponse, error) {
	var out ClusterResponse
	if err := c.do(ctx, http.MethodPost, "/clusters/test", req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Provision submits an apply.
func (c *Client) Provision(ctx context.Context, req ClusterRequest) (*ClusterResponse, error) {
	var out ClusterResponse
	if err := c.do(ctx, http.MethodPost, "/clusters/provision", req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Destroy submits a teardown.
func (c *Client) Destroy(ctx context.Context, name string) (*ClusterResponse, error) {
	var out ClusterResponse
	if err := c.do(ctx, http.MethodDelete, "/clusters/"+url.PathEscape(name), nil, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the most recent job of a cluster.
func (c *Client) Status(ctx context.Context, name string) (*ClusterStatus, error) {
	var out ClusterStatus
	if err := c.do(ctx, http.MethodGet, "/clusters/"+url.PathEscape(name)+"/status", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns the last tail lines of a cluster's output. tail <= 0 uses the server default.
func (c *Client) Logs(ctx context.Context, name string, tail int) (*ClusterLogs, error) {
	path := "/clusters/" + url.PathEscape(name) + "/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out ClusterLogs
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List lists the latest job of every cluster.
func (c *Client) List(ctx context.Context) (*ClusterListResponse, error) {
	var out ClusterListResponse
	if err := c.do(ctx, http.MethodGet, "/clusters", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cleanup removes a cluster's jobs and partition.
func (c *Client) Cleanup(ctx context.Context, name string, force bool) (*CleanupResponse, error) {
	path := "/clusters/" + url.PathEscape(name) + "/cleanup?force=" + strconv.FormatBool(force)
	var out CleanupResponse
	if err := c.do(ctx, http.MethodDelete, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit lists audit entries, optionally for one cluster.
func (c *Client) Audit(ctx context.Context, name string, limit int) (*AuditResponse, error) {
	q := url.Values{}
	if name != "" {
		q.Set("resource", name)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out AuditResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.Actor != "" {
		httpReq.Header.Set(ActorHeader, c.Actor)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Code != "" {
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
			apiErr.JobName = errResp.Error.JobName
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
