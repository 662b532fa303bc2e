// Package generate talks to the external media-generation service. The
// service accepts two frame references plus a prompt and returns a job
// identifier that is later polled (or reported back) to a terminal state.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Terminal and in-flight job states as reported by the service.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Request describes one generation submission.
type Request struct {
	SceneID       string `json:"scene_id"`
	StartFrameKey string `json:"start_frame_key"`
	EndFrameKey   string `json:"end_frame_key,omitempty"`
	Prompt        string `json:"prompt"`
}

// JobStatus is the service's view of a job.
type JobStatus struct {
	JobID    string         `json:"job_id"`
	State    State          `json:"state"`
	MediaKey string         `json:"media_key,omitempty"`
	Error    string         `json:"error,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// MetaJSON renders the opaque service metadata for storage, "" when absent.
func (s JobStatus) MetaJSON() string {
	if len(s.Meta) == 0 {
		return ""
	}
	data, err := json.Marshal(s.Meta)
	if err != nil {
		return ""
	}
	return string(data)
}

// Service is what the job tracker depends on; tests substitute fakes.
type Service interface {
	Submit(ctx context.Context, req Request) (string, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// TransientError marks a failure worth retrying (network trouble, 5xx).
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}

// Client is the HTTP implementation of Service.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

type Option func(*Client)

// WithAPIKey sets the bearer key sent to the generation service. Key
// resolution (one global key or per-account keys) is the caller's policy.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit enqueues a generation request and returns the service's job ID.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.http.Do(httpReq)
	if err != nil {
		return "", TransientError{Err: fmt.Errorf("submit: %w", err)}
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		return "", TransientError{Err: fmt.Errorf("submit: status %d", res.StatusCode)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("submit: status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit: decode response: %w", err)
	}
	if out.JobID == "" {
		return "", errors.New("submit: service returned empty job id")
	}
	return out.JobID, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/jobs/"+jobID, nil)
	if err != nil {
		return JobStatus{}, err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.http.Do(httpReq)
	if err != nil {
		return JobStatus{}, TransientError{Err: fmt.Errorf("status: %w", err)}
	}
	defer res.Body.Close()
	if res.StatusCode >= 500 {
		return JobStatus{}, TransientError{Err: fmt.Errorf("status: status %d", res.StatusCode)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return JobStatus{}, fmt.Errorf("status: status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	var out JobStatus
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return JobStatus{}, fmt.Errorf("status: decode response: %w", err)
	}
	return out, nil
}
