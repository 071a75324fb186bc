package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a test TokenSource that returns a fixed token.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// failingToken is a test TokenSource that always returns err.
type failingToken struct{ err error }

func (f failingToken) Token(context.Context) (string, error) {
	return "", f.err
}

// newTestClient creates a Client pointing at the given httptest server.
func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	return NewClient(url, http.DefaultClient, staticToken("test-token"), slog.Default(), "test-agent")
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv.URL).Do(context.Background(), http.MethodGet, "/me", nil, "")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"400", http.StatusBadRequest, ErrBadRequest},
		{"401", http.StatusUnauthorized, ErrUnauthorized},
		{"403", http.StatusForbidden, ErrForbidden},
		{"404", http.StatusNotFound, ErrNotFound},
		{"409", http.StatusConflict, ErrConflict},
		{"410", http.StatusGone, ErrGone},
		{"416", http.StatusRequestedRangeNotSatisfiable, ErrRangeNotSatisfiable},
		{"423", http.StatusLocked, ErrLocked},
		{"429", http.StatusTooManyRequests, ErrThrottled},
		{"500", http.StatusInternalServerError, ErrServerError},
		{"418", http.StatusTeapot, ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Header().Set("request-id", "req-123")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"code":"someCode","message":"it broke"}}`))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Get(context.Background(), "/thing")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "/thing", apiErr.Path)
			assert.Equal(t, "req-123", apiErr.RequestID)
			assert.Equal(t, "someCode: it broke", apiErr.Message)

			// No internal retries, even for retryable statuses.
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestDo_TokenErrorSendsNothing(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tokErr := &TokenError{StatusCode: http.StatusBadRequest, Code: "invalid_client"}
	c := NewClient(srv.URL, nil, failingToken{err: tokErr}, nil, "")

	_, err := c.Get(context.Background(), "/me")
	require.Error(t, err)
	assert.Same(t, tokErr, err, "token error is returned unchanged")
	assert.Equal(t, int32(0), calls.Load())
}

func TestDo_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL).Get(ctx, "/me")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestPost_SendsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"a":1}`, string(body))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Post(context.Background(), "/x", map[string]int{"a": 1})
	require.NoError(t, err)
}

func TestPut_ZeroLengthBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(0), r.ContentLength)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer srv.Close()

	body, err := newTestClient(t, srv.URL).Put(context.Background(), "/c", strings.NewReader(""), 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x"}`, string(body))
}

func TestGetStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("raw bytes"))
	}))
	defer srv.Close()

	rc, err := newTestClient(t, srv.URL).GetStream(context.Background(), "/content")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(data))
}

func TestDo_RetryAfterParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Get(context.Background(), "/x")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
	assert.True(t, IsRetryable(err))
}

func TestAPIError_ErrorString(t *testing.T) {
	withID := &APIError{StatusCode: 404, Path: "/x", RequestID: "r1", Message: "nope", Err: ErrNotFound}
	assert.Equal(t, "graph: HTTP 404 on /x (request-id: r1): nope", withID.Error())

	noID := &APIError{StatusCode: 500, Path: "/y", Message: "boom", Err: ErrServerError}
	assert.Equal(t, "graph: HTTP 500 on /y: boom", noID.Error())
}

func TestErrorMessage_FallsBackToRawBody(t *testing.T) {
	assert.Equal(t, "plain text", errorMessage([]byte("  plain text \n")))
	assert.Equal(t, "onlyCode", errorMessage([]byte(`{"error":{"code":"onlyCode"}}`)))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"429", &APIError{StatusCode: 429}, true},
		{"503", &APIError{StatusCode: 503}, true},
		{"509", &APIError{StatusCode: 509}, true},
		{"408", &APIError{StatusCode: 408}, true},
		{"409", &APIError{StatusCode: 409}, false},
		{"404", &APIError{StatusCode: 404}, false},
		{"token transport", &TokenError{}, true},
		{"token 500", &TokenError{StatusCode: 500}, true},
		{"token 401", &TokenError{StatusCode: 401}, false},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(DefaultBaseURL+"/", nil, staticToken("t"), nil, "")
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, http.DefaultClient, c.httpClient)
	assert.Equal(t, DefaultUserAgent, c.userAgent)
	assert.NotNil(t, c.logger)
}
