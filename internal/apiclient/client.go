// Package apiclient is the HTTP client for the remote sync API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blinkwell/blinkd/internal/api"
)

const defaultUnaryTimeout = 15 * time.Second

type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(baseURL, token string) *Client {
	return NewWithClient(baseURL, token, &http.Client{})
}

func NewWithClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	if timeout > 0 {
		clone.unaryTimeout = timeout
	}
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
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

// Retryable reports whether the same request may succeed later. Auth and
// validation failures are terminal; server-side trouble is not.
func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Upload(ctx context.Context, req api.UploadRequest) (api.UploadResponse, error) {
	req.SchemaVersion = api.SchemaVersion
	var resp api.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/upload", nil, req, &resp); err != nil {
		return api.UploadResponse{}, err
	}
	return resp, nil
}

func (c *Client) Download(ctx context.Context, since *time.Time) (api.DownloadResponse, error) {
	query := url.Values{}
	if since != nil {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var resp api.DownloadResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/download", query, nil, &resp); err != nil {
		return api.DownloadResponse{}, err
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (api.SyncStatusResponse, error) {
	var resp api.SyncStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/status", nil, nil, &resp); err != nil {
		return api.SyncStatusResponse{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var envelope api.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && (envelope.Error.Code != "" || envelope.Error.Message != "") {
		return &RequestError{StatusCode: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &RequestError{StatusCode: status, Message: strings.TrimSpace(string(data))}
}
