package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// DefaultUserAgent is sent when the caller does not configure one.
const DefaultUserAgent = "sharepoint-go/0.1"

// maxErrorBody caps how much of a failed response body is kept for the
// error message.
const maxErrorBody = 64 * 1024

// sessionPathLabel replaces pre-authenticated session URLs in errors and logs.
const sessionPathLabel = "upload-session"

// TokenSource provides bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs"; CertificateCredential is
// the production implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is an HTTP client for the Microsoft Graph API. Every call obtains a
// token first and attaches it as a bearer credential; non-2xx responses
// become *APIError. There are no retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a Graph API client.
// baseURL is typically DefaultBaseURL.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  userAgent,
	}
}

// Do executes an authenticated request against the Graph API. The path is
// appended to the client's base URL. If token acquisition fails the error is
// returned as-is and no request is sent. On success the caller closes the
// response body.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("graph: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)

	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.send(req, path)
}

// doPreAuth sends a request to a pre-authenticated URL (upload sessions).
// No Authorization header is attached.
func (c *Client) doPreAuth(req *http.Request) (*http.Response, error) {
	return c.send(req, sessionPathLabel)
}

// send executes req and converts non-2xx responses into *APIError.
func (c *Client) send(req *http.Request, label string) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// *url.Error embeds the full URL; session URLs carry credentials.
		var urlErr *url.Error
		if label == sessionPathLabel && errors.As(err, &urlErr) {
			err = urlErr.Err
		}

		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("graph: %s %s canceled: %w", req.Method, label, ctxErr)
		}

		c.logger.Warn("request failed",
			slog.String("method", req.Method),
			slog.String("path", label),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("graph: %s %s: %w", req.Method, label, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", req.Method),
			slog.String("path", label),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	apiErr := newAPIError(resp, label)

	c.logger.Debug("request returned error status",
		slog.String("method", req.Method),
		slog.String("path", label),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", apiErr.RequestID),
	)

	return nil, apiErr
}

// newAPIError drains and closes resp.Body and builds the typed error.
func newAPIError(resp *http.Response, label string) *APIError {
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		raw = []byte("(failed to read response body)")
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Path:       label,
		RequestID:  resp.Header.Get("request-id"),
		Message:    errorMessage(raw),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// graphErrorBody is the OData error envelope.
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorMessage extracts "code: message" from an OData error body, falling
// back to the raw text.
func errorMessage(raw []byte) string {
	var env graphErrorBody
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		if env.Error.Message == "" {
			return env.Error.Code
		}

		return env.Error.Code + ": " + env.Error.Message
	}

	return strings.TrimSpace(string(raw))
}

// parseRetryAfter accepts the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// Get performs an authenticated GET and returns the response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.call(ctx, http.MethodGet, path, nil, "")
}

// Post marshals payload as JSON, POSTs it and returns the response body.
func (c *Client) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling request body: %w", err)
	}

	return c.call(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json")
}

// Put sends r as the raw request body. size is used as Content-Length when
// r is not one of the reader types net/http measures itself.
func (c *Client) Put(ctx context.Context, path string, r io.Reader, size int64) ([]byte, error) {
	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("graph: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/octet-stream")

	if size >= 0 {
		req.ContentLength = size
		if size == 0 {
			req.Body = http.NoBody
		}
	}

	resp, err := c.send(req, path)
	if err != nil {
		return nil, err
	}

	return readBody(resp)
}

// GetStream performs an authenticated GET and hands back the body unread.
// The caller must close it. Download is the content-download entry point.
func (c *Client) GetStream(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

func (c *Client) call(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	resp, err := c.Do(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}

	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading response body: %w", err)
	}

	return data, nil
}
