// Package graph provides an HTTP client for the Microsoft Graph API with
// certificate-based client-credentials authentication, typed error
// classification, and the site, drive and upload calls used to place files
// in a SharePoint document library.
//
// The client never retries. Failed calls surface as *APIError (wrapping a
// sentinel for errors.Is) and callers decide whether a retry is safe.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, graph.ErrNotFound) to check.
var (
	ErrBadRequest          = errors.New("graph: bad request")
	ErrUnauthorized        = errors.New("graph: unauthorized")
	ErrForbidden           = errors.New("graph: forbidden")
	ErrNotFound            = errors.New("graph: not found")
	ErrConflict            = errors.New("graph: conflict")
	ErrGone                = errors.New("graph: resource gone")
	ErrRangeNotSatisfiable = errors.New("graph: range not satisfiable")
	ErrThrottled           = errors.New("graph: throttled")
	ErrLocked              = errors.New("graph: resource locked")
	ErrServerError         = errors.New("graph: server error")
	ErrUnexpectedStatus    = errors.New("graph: unexpected status")
)

// APIError is returned for every non-2xx response. Path is the request path
// (or "upload-session" for pre-authenticated session URLs, which are never
// echoed because they embed credentials).
type APIError struct {
	StatusCode int
	Path       string
	RequestID  string
	Message    string
	RetryAfter time.Duration // parsed Retry-After header, zero when absent
	Err        error         // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d on %s (request-id: %s): %s", e.StatusCode, e.Path, e.RequestID, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d on %s: %s", e.StatusCode, e.Path, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpectedStatus
	}
}

// statusBandwidthExceeded is SharePoint's 509 Bandwidth Limit Exceeded.
const statusBandwidthExceeded = 509

// IsRetryable reports whether err is a transient failure that a caller may
// retry: throttling, timeouts, 5xx responses and network errors. Context
// cancellation and client errors are never retryable. The client itself
// does not act on this; it exists so callers can implement their own policy.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			statusBandwidthExceeded:
			return true
		default:
			return false
		}
	}

	var tokErr *TokenError
	if errors.As(err, &tokErr) {
		return tokErr.StatusCode == 0 || tokErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
