package papersources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/helixir/research-tracker/internal/domain"
)

// DefaultUserAgent is sent when the adapter does not configure one.
const DefaultUserAgent = "ResearchTracker/1.0"

// RequestObserver receives per-request telemetry. observability.Metrics
// satisfies it through a small adapter in the wiring code.
type RequestObserver interface {
	ObserveRequest(source string, status int, duration time.Duration)
	ObserveRateLimited(source string)
}

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Source names the provider in errors and telemetry.
	Source string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// MinDelay is the minimum delay between consecutive requests.
	MinDelay time.Duration

	// MaxAttempts is the total number of tries for a transient failure.
	MaxAttempts int

	// Backoff computes the wait between attempts.
	Backoff Backoff

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// APIKey is an optional API key for authentication.
	APIKey string

	// APIKeyHeader is the header name for the API key (e.g., "x-api-key").
	APIKeyHeader string

	// Sleep replaces the real sleep between retries. Tests inject a
	// recording function so retries never block.
	Sleep SleepFunc

	// Transport overrides the HTTP transport.
	Transport http.RoundTripper

	// Observer receives request telemetry; may be nil.
	Observer RequestObserver
}

// HTTPClient wraps http.Client with a per-provider rate limiter and an
// exponential retry policy. It is safe for concurrent use.
type HTTPClient struct {
	client      *http.Client
	rateLimiter *RateLimiter
	config      HTTPClientConfig
}

// NewHTTPClient creates a new HTTP client. It retries network errors, 429
// and 5xx responses up to MaxAttempts times, waiting Backoff.Delay(n) (or
// the server's Retry-After, when longer) between tries.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	if cfg.Source == "" {
		cfg.Source = "unknown"
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		rateLimiter: NewRateLimiter(cfg.MinDelay),
		config:      cfg,
	}
}

// StatusError is returned when retries are exhausted on a 5xx status. A
// provider that keeps answering 429 yields a *domain.RateLimitError instead.
type StatusError struct {
	Source     string
	StatusCode int
	Attempts   int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: max retries exhausted after %d attempts, last status: %d", e.Source, e.Attempts, e.StatusCode)
}

// Do executes an HTTP request with rate limiting and retries.
//
// Non-retryable responses (2xx, 3xx, 4xx other than 429) are returned to the
// caller, who owns the body. The request body is re-created through GetBody
// between attempts.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" && c.config.APIKeyHeader != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	ctx := req.Context()
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.resetRequestBody(req); err != nil {
				return nil, fmt.Errorf("cannot retry request: %w", err)
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil, err
			}
			c.observe(0, time.Since(start))
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt+1 < c.config.MaxAttempts {
				if err := c.config.Sleep(ctx, c.config.Backoff.Delay(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}
		c.observe(resp.StatusCode, time.Since(start))

		if !shouldRetry(resp.StatusCode) {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		delay := c.config.Backoff.Delay(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			c.throttled(retryAfter)
			lastErr = domain.NewRateLimitError(c.config.Source, delay)
		} else {
			lastErr = &StatusError{Source: c.config.Source, StatusCode: resp.StatusCode, Attempts: attempt + 1}
		}
		if attempt+1 >= c.config.MaxAttempts {
			break
		}
		if err := c.config.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("unexpected error: no response received")
}

// RateLimiter exposes the client's limiter.
func (c *HTTPClient) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

func (c *HTTPClient) observe(status int, d time.Duration) {
	if c.config.Observer != nil {
		c.config.Observer.ObserveRequest(c.config.Source, status, d)
	}
}

// shouldRetry reports whether a status code is transient.
func shouldRetry(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// throttled records a 429 and widens the request spacing to the server's
// Retry-After, capped at Backoff.Max.
func (c *HTTPClient) throttled(retryAfter time.Duration) {
	if c.config.Observer != nil {
		c.config.Observer.ObserveRateLimited(c.config.Source)
	}
	if retryAfter <= 0 {
		return
	}
	if limit := c.config.Backoff.Max; limit > 0 && retryAfter > limit {
		retryAfter = limit
	}
	c.rateLimiter.raiseMinDelay(retryAfter)
}

// parseRetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(v, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// resetRequestBody resets the request body for retry if possible.
func (c *HTTPClient) resetRequestBody(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}

	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to get request body for retry: %w", err)
	}
	req.Body = body
	return nil
}
