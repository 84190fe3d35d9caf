package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Retry and backoff constants for the transport layer. The queue applies
// its own longer-horizon backoff on top; this loop only absorbs brief
// blips so a single flaky response does not bounce an action back into
// the queue.
const (
	maxAttempts    = 3
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "tether/0.1"

	// idempotencyHeader carries the per-action key that lets the server
	// deduplicate at-least-once deliveries.
	idempotencyHeader = "Idempotency-Key"
)

// TokenSource provides bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs"; the session package
// provides the real implementation.
type TokenSource interface {
	Token() (string, error)
}

// Interceptor inspects or mutates an outgoing request before it is sent.
// Interceptors form an explicit chain registered on the client — the
// sanctioned replacement for patching the transport from outside.
type Interceptor func(*http.Request) error

// Client is the retrying HTTP client for the record store. It handles
// request construction, authentication, rate limiting, retry with
// exponential backoff, and error classification.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	token        TokenSource
	limiter      *rate.Limiter
	interceptors []Interceptor
	logger       *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a record store client. A nil limiter disables rate
// limiting; a nil token sends unauthenticated requests.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, limiter *rate.Limiter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		limiter:    limiter,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Use appends an interceptor to the chain. Interceptors run in
// registration order on every attempt. Not safe to call concurrently
// with in-flight requests; register everything at startup.
func (c *Client) Use(i Interceptor) {
	c.interceptors = append(c.interceptors, i)
}

// Do executes an HTTP request against the record store, retrying
// retryable failures with capped exponential backoff and honoring
// server-provided Retry-After delays. The caller is responsible for
// closing the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, url, body, header)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			if attempt < maxAttempts-1 && body == nil {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
		}

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		retryAfter := parseRetryAfter(resp)

		if isRetryable(resp.StatusCode) && attempt < maxAttempts-1 && body == nil {
			backoff := c.calcBackoff(attempt)
			if retryAfter > 0 {
				backoff = retryAfter
			}

			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", err)
			}

			attempt++

			continue
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("request-id"),
			Message:    string(errBody),
			RetryAfter: retryAfter,
			Err:        classifyStatus(resp.StatusCode),
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: obtaining token: %v", ErrAuth, err)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for _, intercept := range c.interceptors {
		if err := intercept(req); err != nil {
			return nil, fmt.Errorf("interceptor: %w", err)
		}
	}

	return c.httpClient.Do(req)
}

// parseRetryAfter reads a Retry-After header in seconds form.
func parseRetryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}

	seconds, err := strconv.Atoi(ra)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Apply ±25% jitter.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
