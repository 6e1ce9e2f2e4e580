package papersources

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/research-tracker/internal/domain"
)

// sleepRecorder records requested delays instead of sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type recordingObserver struct {
	mu          sync.Mutex
	statuses    []int
	rateLimited int
}

func (o *recordingObserver) ObserveRequest(_ string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) ObserveRateLimited(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rateLimited++
}

func TestNewHTTPClient(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		client := NewHTTPClient(HTTPClientConfig{})

		require.NotNil(t, client)
		assert.Equal(t, 30*time.Second, client.client.Timeout)
		assert.Equal(t, DefaultUserAgent, client.config.UserAgent)
		assert.Equal(t, DefaultMaxAttempts, client.config.MaxAttempts)
		assert.Equal(t, DefaultBackoff, client.config.Backoff)
		assert.Equal(t, time.Duration(0), client.RateLimiter().MinDelay())
	})

	t.Run("keeps custom config", func(t *testing.T) {
		client := NewHTTPClient(HTTPClientConfig{
			Source:      "arxiv",
			Timeout:     15 * time.Second,
			MinDelay:    3 * time.Second,
			MaxAttempts: 5,
			Backoff:     Backoff{Base: time.Second},
			UserAgent:   "TestAgent/1.0",
		})

		assert.Equal(t, 15*time.Second, client.client.Timeout)
		assert.Equal(t, 3*time.Second, client.RateLimiter().MinDelay())
		assert.Equal(t, 5, client.config.MaxAttempts)
		assert.Equal(t, "TestAgent/1.0", client.config.UserAgent)
	})
}

func TestHTTPClient_Do(t *testing.T) {
	t.Run("sets user agent and api key", func(t *testing.T) {
		var ua, key string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get("User-Agent")
			key = r.Header.Get("x-api-key")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		}))
		defer server.Close()

		client := NewHTTPClient(HTTPClientConfig{
			UserAgent:    "TestAgent/2.0",
			APIKey:       "secret",
			APIKeyHeader: "x-api-key",
		})

		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, `{"status":"ok"}`, string(body))
		assert.Equal(t, "TestAgent/2.0", ua)
		assert.Equal(t, "secret", key)
	})

	t.Run("returns 4xx without retrying", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		sleeper := &sleepRecorder{}
		client := NewHTTPClient(HTTPClientConfig{Sleep: sleeper.Sleep})

		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
		assert.Empty(t, sleeper.Delays())
	})
}

func TestHTTPClient_DoRetryOn5xx(t *testing.T) {
	t.Run("gives up after max attempts with exponential delays", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		sleeper := &sleepRecorder{}
		client := NewHTTPClient(HTTPClientConfig{
			Source:  "citation_graph",
			Backoff: Backoff{Base: 5 * time.Second},
			Sleep:   sleeper.Sleep,
		})

		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		resp, err := client.Do(req)
		require.Error(t, err)
		assert.Nil(t, resp)

		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
		assert.Equal(t, 3, statusErr.Attempts)
		assert.Contains(t, err.Error(), "last status: 503")

		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeper.Delays())
	})

	t.Run("succeeds after transient failure", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		sleeper := &sleepRecorder{}
		client := NewHTTPClient(HTTPClientConfig{Sleep: sleeper.Sleep})

		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(2), calls.Load())
		assert.Len(t, sleeper.Delays(), 1)
	})
}

func TestHTTPClient_DoRetryOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sleeper := &sleepRecorder{}
	observer := &recordingObserver{}
	client := NewHTTPClient(HTTPClientConfig{
		Backoff:  Backoff{Base: time.Second},
		Sleep:    sleeper.Sleep,
		Observer: observer,
	})

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []time.Duration{30 * time.Second}, sleeper.Delays(), "Retry-After longer than backoff wins")
	assert.Equal(t, 1, observer.rateLimited)
	assert.Equal(t, []int{http.StatusTooManyRequests, http.StatusOK}, observer.statuses)
}

func TestHTTPClient_DoRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	observer := &recordingObserver{}
	client := NewHTTPClient(HTTPClientConfig{
		Source:      "citation_graph",
		MinDelay:    10 * time.Millisecond,
		MaxAttempts: 1,
		Backoff:     Backoff{Base: time.Second, Max: time.Minute},
		Observer:    observer,
	})

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	require.Error(t, err)
	assert.Nil(t, resp)

	var rateErr *domain.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, "citation_graph", rateErr.Source)
	assert.Equal(t, 2*time.Second, rateErr.RetryAfter)

	assert.Equal(t, 2*time.Second, client.RateLimiter().MinDelay(), "Retry-After widens request spacing")
	assert.Equal(t, 1, observer.rateLimited)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_ThrottledCapsAtBackoffMax(t *testing.T) {
	client := NewHTTPClient(HTTPClientConfig{
		MinDelay: time.Second,
		Backoff:  Backoff{Base: time.Second, Max: 10 * time.Second},
	})

	client.throttled(time.Hour)
	assert.Equal(t, 10*time.Second, client.RateLimiter().MinDelay())

	client.throttled(0)
	assert.Equal(t, 10*time.Second, client.RateLimiter().MinDelay())
}

func TestHTTPClient_DoResendsBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{Sleep: (&sleepRecorder{}).Sleep})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader(`{"q":1}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{`{"q":1}`, `{"q":1}`}, bodies)
}

func TestHTTPClient_DoContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewHTTPClient(HTTPClientConfig{
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 7*time.Second, parseRetryAfter("7", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("0", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(http.StatusTooManyRequests))
	assert.True(t, shouldRetry(http.StatusInternalServerError))
	assert.True(t, shouldRetry(http.StatusGatewayTimeout))
	assert.False(t, shouldRetry(http.StatusOK))
	assert.False(t, shouldRetry(http.StatusNotFound))
}
