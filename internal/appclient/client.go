// Package appclient is the typed client for the famsyncd socket API.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/famsync/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	defaultUnaryTimeout = 10 * time.Second

	readAttempts = 3
	minBackoff   = 50 * time.Millisecond
)

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

type CommandListOptions struct {
	Status    string
	Direction string
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &resp)
	return resp, err
}

func (c *Client) Observe(ctx context.Context, req api.ObservationRequest) (api.ObservationResponse, error) {
	var resp api.ObservationResponse
	err := c.postJSON(ctx, "/v1/observations", req, &resp, false)
	return resp, err
}

// Sync runs one pass on the daemon. It is not bound by the unary timeout;
// the pass reports its own remote timeouts.
func (c *Client) Sync(ctx context.Context) (api.SyncResponse, error) {
	var resp api.SyncResponse
	err := c.postJSON(ctx, "/v1/sync", nil, &resp, true)
	return resp, err
}

func (c *Client) ListQueue(ctx context.Context, status string) (api.QueueEnvelope, error) {
	query := url.Values{}
	if status = strings.TrimSpace(status); status != "" {
		query.Set("status", status)
	}
	var env api.QueueEnvelope
	err := c.getJSON(ctx, "/v1/queue", query, &env)
	return env, err
}

func (c *Client) RetryQueueItem(ctx context.Context, queueID string) error {
	return c.queueAction(ctx, queueID, "retry")
}

func (c *Client) DiscardQueueItem(ctx context.Context, queueID string) error {
	return c.queueAction(ctx, queueID, "discard")
}

func (c *Client) queueAction(ctx context.Context, queueID, verb string) error {
	id := strings.TrimSpace(queueID)
	if id == "" {
		return fmt.Errorf("queue id is required")
	}
	_, err := c.request(ctx, http.MethodPost, "/v1/queue/"+url.PathEscape(id)+"/"+verb, nil, nil, false)
	return err
}

func (c *Client) ListCommands(ctx context.Context, opts CommandListOptions) (api.CommandsEnvelope, error) {
	query := url.Values{}
	if status := strings.TrimSpace(opts.Status); status != "" {
		query.Set("status", status)
	}
	if dir := strings.TrimSpace(opts.Direction); dir != "" {
		query.Set("direction", dir)
	}
	var env api.CommandsEnvelope
	err := c.getJSON(ctx, "/v1/commands", query, &env)
	return env, err
}

func (c *Client) ReissueCommand(ctx context.Context, commandID string) (api.CommandResponse, error) {
	id := strings.TrimSpace(commandID)
	if id == "" {
		return api.CommandResponse{}, fmt.Errorf("command id is required")
	}
	var resp api.CommandResponse
	err := c.postJSON(ctx, "/v1/commands/"+url.PathEscape(id)+"/reissue", nil, &resp, false)
	return resp, err
}

func (c *Client) SetConfiguration(ctx context.Context, req api.ConfigurationRequest) (api.CommandResponse, error) {
	var resp api.CommandResponse
	err := c.postJSON(ctx, "/v1/configurations", req, &resp, false)
	return resp, err
}

// ListUsage returns the daemon device's local usage records, oldest first.
func (c *Client) ListUsage(ctx context.Context) (api.UsageEnvelope, error) {
	var env api.UsageEnvelope
	err := c.getJSON(ctx, "/v1/usage", nil, &env)
	return env, err
}

// ResetUsage deletes every local usage record of the daemon device.
func (c *Client) ResetUsage(ctx context.Context) (api.UsageResetResponse, error) {
	var resp api.UsageResetResponse
	err := c.postJSON(ctx, "/v1/usage/reset", nil, &resp, false)
	return resp, err
}

func (c *Client) ListApps(ctx context.Context) (api.AppsEnvelope, error) {
	var env api.AppsEnvelope
	err := c.getJSON(ctx, "/v1/apps", nil, &env)
	return env, err
}

// getJSON retries reads that failed with a retryable status; writes are
// never retried.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	var (
		body []byte
		err  error
	)
	backoff := minBackoff
	for attempt := 1; ; attempt++ {
		body, err = c.request(ctx, http.MethodGet, path, query, nil, false)
		var reqErr *RequestError
		if err == nil || attempt >= readAttempts || !errors.As(err, &reqErr) || !reqErr.Retryable() {
			break
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return err
		}
		backoff *= 2
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, req any, out any, longLived bool) error {
	body, err := c.request(ctx, http.MethodPost, path, nil, req, longLived)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
