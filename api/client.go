// ABOUTME: HTTP client for the job submission and cancellation endpoints.
// ABOUTME: Requests are validated with go-playground/validator before they leave the process.
package api

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

	"github.com/go-playground/validator/v10"
)

// ErrMissingJobID is returned when the server accepts a job but sends no ID.
var ErrMissingJobID = errors.New("api: response has no job_id")

var validate = validator.New()

// GenerateRequest starts an ad-generation job.
type GenerateRequest struct {
	ProductURL string `json:"product_url" validate:"required,url"`
	NImages    *int   `json:"n_images,omitempty" validate:"omitempty,min=1,max=8"`
}

// Validate checks the request fields.
func (r GenerateRequest) Validate() error {
	return validate.Struct(r)
}

// GenerateResponse identifies the started job.
type GenerateResponse struct {
	JobID string `json:"job_id"`
}

// CancelRequest asks the server to stop a job.
type CancelRequest struct {
	JobID string `json:"job_id" validate:"required"`
}

// Validate checks the request fields.
func (r CancelRequest) Validate() error {
	return validate.Struct(r)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the generation backend.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client rooted at baseURL. A nil httpClient gets a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

// Submit starts a job and returns its server-assigned ID.
func (c *Client) Submit(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := req.Validate(); err != nil {
		return GenerateResponse{}, fmt.Errorf("invalid generate request: %w", err)
	}
	var resp GenerateResponse
	if err := c.post(ctx, "generate", "/api/generate", req, &resp); err != nil {
		return GenerateResponse{}, err
	}
	if resp.JobID == "" {
		return GenerateResponse{}, ErrMissingJobID
	}
	return resp, nil
}

// Cancel asks the server to stop jobID. Callers treat failure as best effort.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req := CancelRequest{JobID: jobID}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid cancel request: %w", err)
	}
	return c.post(ctx, "cancel", "/api/cancel", req, nil)
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
