// Package openai is a minimal client for OpenAI-compatible chat completion endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/capsule-gateway/internal/codec"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultUserAgent = "capsule-gateway/1.0"
	maxErrorBody     = 64 << 10
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// Client issues chat completion requests with a single API key.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new client. The key is held only for the client's lifetime.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatCompletions posts req and returns the response body on a 2xx status.
// The caller owns and must close the body. Non-2xx responses are read in
// full and returned as an upstream_http_error with the key redacted.
func (c *Client) ChatCompletions(ctx context.Context, req *ChatCompletionRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, codec.ClassifyTransportError(ctx, fmt.Errorf("invalid upstream url: %w", err), c.apiKey)
	}
	c.setHeaders(httpReq, req.Stream)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, codec.ClassifyTransportError(ctx, err, c.apiKey)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, codec.UpstreamStatusError(resp.StatusCode, respBody, c.apiKey)
	}
	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", defaultUserAgent)
}
