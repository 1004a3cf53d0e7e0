// Package runner is the HTTP/JSON client for the inference runner sidecar.
//
// The runner hosts the diffusion pipeline and the safety classifier in the
// Python ML stack. The Go service drives it with small JSON requests:
//
//	POST   /v1/pipelines/load      load the diffusion pipeline
//	POST   /v1/pipelines/lora      attach adapter weights
//	DELETE /v1/pipelines/lora      detach adapter weights
//	POST   /v1/pipelines/generate  render one image (base64 PNG)
//	POST   /v1/safety/load         load the safety classifier
//	POST   /v1/safety/check        classify preprocessed images
//	GET    /health                 liveness
package runner

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

// ErrUnavailable is returned when the runner cannot be reached.
var ErrUnavailable = errors.New("runner: unavailable")

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Error is a non-2xx answer from the runner.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("runner: status %d: %s", e.Status, e.Message)
}

// Client talks to one runner base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil httpClient gets a client without
// timeout; renders are bounded by the caller's context.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the runner address.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends in (when non-nil) as JSON and decodes the response into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("runner: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("runner: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("runner: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error != "" {
			msg = payload.Error
		} else if payload.Detail != "" {
			msg = payload.Detail
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{Status: resp.StatusCode, Message: msg}
}

// Health is the /health response.
type Health struct {
	Status string `json:"status"`
}

// Health queries the runner liveness endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.Do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// WaitReady polls /health until it reports "ok" or ctx ends.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		h, err := c.Health(ctx)
		if err == nil && h.Status == "ok" {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("runner not ready: %w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("runner not ready: %w (status %q)", ctx.Err(), h.Status)
		case <-time.After(interval):
		}
	}
}
