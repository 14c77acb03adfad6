package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
)

// Options configures an upstream API client.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Breaker, when set, guards every attempt.
	Breaker *circuitbreaker.CircuitBreaker
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 100 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 2 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	return o
}

func validateAPIKey(apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	return nil
}

// requester runs JSON GETs against one upstream with retries, backoff and an
// optional circuit breaker.
type requester struct {
	upstream string
	opts     Options
}

// call runs attempt until it succeeds, fails with a non-retryable error or the
// attempts run out.
func (r *requester) call(ctx context.Context, attempt func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < r.opts.RetryAttempts; i++ {
		if i > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(r.upstream).Inc()
			select {
			case <-ctx.Done():
				return r.fail(ctx.Err())
			case <-time.After(r.backoff(i)):
			}
		}

		err := r.opts.Breaker.Call(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(ctx, err) {
			return r.fail(err)
		}
	}
	return r.fail(fmt.Errorf("exhausted retries: %w", lastErr))
}

func (r *requester) fail(err error) error {
	observability.UpstreamErrorsTotal.WithLabelValues(r.upstream, string(CategorizeError(err))).Inc()
	return err
}

func (r *requester) backoff(attempt int) time.Duration {
	delay := float64(r.opts.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.opts.RetryMaxDelay) {
		delay = float64(r.opts.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// getJSON performs one GET with the per-call timeout and decodes a 2xx body into out.
// It returns the HTTP status code whenever a response was received.
func (r *requester) getJSON(ctx context.Context, rawURL string, out any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("request timeout: %w", err)
		}
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("parse response: %w", err)
	}
	return resp.StatusCode, nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, code)
	case code == http.StatusBadRequest || code == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", ErrLocationNotFound, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, code)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	}
}

// isRetryable reports whether another attempt may succeed. Nothing is retried
// once the caller's context is done.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsUpstreamFault reports whether err points at the upstream being unhealthy
// rather than at the request. Circuit breakers count only these.
func IsUpstreamFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrLocationNotFound) {
		return false
	}
	switch CategorizeError(err) {
	case ErrorCategoryParsing, ErrorCategoryValidation:
		return false
	}
	return true
}

func statusLabel(statusCode int, err error) string {
	switch {
	case err == nil:
		return "success"
	case statusCode == http.StatusTooManyRequests || errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
