package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/harvest/internal/models"
)

const (
	// DefaultResponseHeaderTimeout bounds the wait for the stream to open.
	// The body itself has no deadline; the executor's idle timer covers it.
	DefaultResponseHeaderTimeout = 30 * time.Second

	// DefaultRequestInterval spaces out stream opens against one backend
	DefaultRequestInterval = 500 * time.Millisecond

	maxErrorBody = 4096
)

// StreamClient opens progress streams on a scrape backend over HTTP.
// It implements interfaces.BatchScrapeBackend.
type StreamClient struct {
	url        string
	batchURL   string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
	headers    map[string]string
	now        func() time.Time
}

// ClientOption configures the StreamClient.
type ClientOption func(*StreamClient)

// WithBatchURL enables batch dispatch against the given endpoint.
func WithBatchURL(batchURL string) ClientOption {
	return func(c *StreamClient) {
		c.batchURL = batchURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *StreamClient) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *StreamClient) {
		c.logger = logger
	}
}

// WithRequestInterval sets the minimum spacing between stream opens.
// Zero or negative disables pacing.
func WithRequestInterval(d time.Duration) ClientOption {
	return func(c *StreamClient) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithHeader adds a header sent on every stream request.
func WithHeader(key, value string) ClientOption {
	return func(c *StreamClient) {
		c.headers[key] = value
	}
}

// NewStreamClient creates a client for the stream endpoint at url.
func NewStreamClient(url string, opts ...ClientOption) *StreamClient {
	c := &StreamClient{
		url: url,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(DefaultRequestInterval), 1),
		headers: make(map[string]string),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = arbor.NewNoOpLogger()
	}

	return c
}

// BatchEnabled reports whether a batch endpoint is configured.
func (c *StreamClient) BatchEnabled() bool {
	return c.batchURL != ""
}

// Open starts the stream for a single entity.
func (c *StreamClient) Open(ctx context.Context, req models.DispatchRequest) (io.ReadCloser, error) {
	return c.post(ctx, c.url, req)
}

// OpenBatch starts one stream covering several entities.
func (c *StreamClient) OpenBatch(ctx context.Context, req models.BatchDispatchRequest) (io.ReadCloser, error) {
	if c.batchURL == "" {
		return nil, ErrBatchUnsupported
	}
	return c.post(ctx, c.batchURL, req)
}

// post sends the dispatch body and returns the open response body on 2xx.
func (c *StreamClient) post(ctx context.Context, endpoint string, body interface{}) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug().
		Str("url", endpoint).
		Int("bytes", len(payload)).
		Msg("Opening scrape stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		c.logger.Warn().
			Str("url", endpoint).
			Dur("retry_after", retryAfter).
			Msg("Scrape backend rate limited request")
		return nil, &RateLimitError{RetryAfter: retryAfter, Endpoint: endpoint}
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
		Endpoint:   endpoint,
	}
	if IsTransientStatus(resp.StatusCode) {
		return nil, &TransientError{Err: apiErr}
	}
	return nil, apiErr
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
// It returns zero when the header is missing or unusable.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
