// Package client wraps the HTTP interactions with the MonadFlow REST API.
// It mirrors the wire types of the server so it can be vendored into
// external automation without pulling in the rest of the module.
package client

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

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client talks to a MonadFlow daemon over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSpec identifies a registered task kind and its raw parameters.
type TaskSpec struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// JobSubmission represents the payload required to enqueue a new job.
// ID is optional; submissions that carry one are idempotent.
type JobSubmission struct {
	ID       string            `json:"id,omitempty"`
	Network  string            `json:"network,omitempty"`
	Wallet   string            `json:"wallet,omitempty"`
	Task     TaskSpec          `json:"task"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TxOutcome describes one transaction executed by a job.
type TxOutcome struct {
	TxHash      string `json:"tx_hash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// TaskResult carries the outcome of a finished task run.
type TaskResult struct {
	Task      string      `json:"task"`
	Succeeded bool        `json:"succeeded"`
	Error     string      `json:"error,omitempty"`
	Txs       []TxOutcome `json:"txs,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	ElapsedMS int64       `json:"elapsed_ms"`
}

// Job is the server-side view of a submitted job.
type Job struct {
	ID         string            `json:"id"`
	Network    string            `json:"network,omitempty"`
	Wallet     string            `json:"wallet,omitempty"`
	Task       TaskSpec          `json:"task"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *TaskResult       `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Stats aggregates job counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListOptions narrows down ListJobs results.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("monadflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("monadflow api error (%d): %s", e.StatusCode, e.Message)
}

// New instantiates a client for the MonadFlow API. When httpClient is nil,
// a default client with a sensible timeout is used.
func New(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitJob enqueues a new job and returns the stored record.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (*Job, error) {
	var created Job
	if err := c.post(ctx, "/api/v1/jobs", submission, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetJob fetches job details by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var detail Job
	endpoint := "/api/v1/jobs?id=" + url.QueryEscape(jobID)
	if err := c.get(ctx, endpoint, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListJobs returns jobs matching the provided options, most recent first.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error) {
	var jobs []*Job
	if err := c.get(ctx, "/api/v1/jobs"+opts.encode(), &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// JobStats returns aggregate counts for jobs matching the options.
func (c *Client) JobStats(ctx context.Context, opts ListOptions) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/jobs/stats"+opts.encode(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Health probes the daemon's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

func (opts ListOptions) encode() string {
	values := url.Values{}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		values.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		values.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Query != "" {
		values.Set("query", opts.Query)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
