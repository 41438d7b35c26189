package scrape

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrIdleTimeout means no frame arrived within the idle window
	ErrIdleTimeout = errors.New("no progress received within idle timeout")

	// ErrStreamEnded means the stream closed before the job completed
	ErrStreamEnded = errors.New("stream ended before completion")

	// ErrCancelled is the reason recorded on jobs cancelled by a stop
	ErrCancelled = errors.New("cancelled")

	// ErrBatchUnsupported means the backend has no batch endpoint configured
	ErrBatchUnsupported = errors.New("backend does not support batch dispatch")
)

// APIError is a non-success HTTP status from a scrape backend
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("scrape backend error: status %d (endpoint: %s)", e.StatusCode, e.Endpoint)
	}
	return fmt.Sprintf("scrape backend error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// RateLimitError is a 429 from a scrape backend.
// RetryAfter is zero when the backend did not suggest a wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Endpoint   string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("scrape backend rate limit exceeded, retry after %v", e.RetryAfter)
	}
	return "scrape backend rate limit exceeded"
}

// TransientError wraps a failure worth retrying: connection errors, resets
// mid-stream, and gateway statuses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// BackendError is an error frame reported by the scraper itself
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend reported an error"
	}
	return "backend reported an error: " + e.Message
}

// IsTransientStatus reports whether an HTTP status is a retryable gateway failure
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
