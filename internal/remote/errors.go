// Package remote provides the HTTP client for the backing record store,
// with retry, rate limiting, request interceptors, and error
// classification. Any backend exposing insert/update/delete/select over
// JSON satisfies the contract; nothing here is specific to one vendor.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for failure classification. Use errors.Is to check;
// recovery policy dispatches on these (see Recoverer).
var (
	ErrNetwork    = errors.New("remote: network error")
	ErrAuth       = errors.New("remote: authentication failed")
	ErrTimeout    = errors.New("remote: request timed out")
	ErrRateLimit  = errors.New("remote: rate limited")
	ErrServer     = errors.New("remote: server error")
	ErrValidation = errors.New("remote: validation rejected")
	ErrConflict   = errors.New("remote: version conflict")
	ErrNotFound   = errors.New("remote: record not found")
	ErrUnknown    = errors.New("remote: unknown error")
)

// APIError wraps a sentinel with the HTTP status, request ID, response
// body, and any server-provided Retry-After delay.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	RetryAfter time.Duration // zero unless the server sent Retry-After
	Err        error         // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ConflictError reports a 409 from the store, carrying the server's
// current version of the record for conflict resolution.
type ConflictError struct {
	Server Record
	API    *APIError
}

func (e *ConflictError) Error() string {
	return e.API.Error()
}

func (e *ConflictError) Unwrap() error {
	return e.API
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return ErrValidation
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusRequestTimeout:
		return ErrTimeout
	case code == http.StatusTooManyRequests:
		return ErrRateLimit
	case code >= http.StatusInternalServerError:
		return ErrServer
	default:
		return ErrUnknown
	}
}

// Classify maps any error from this package (or the transports beneath it)
// to one of the sentinels above. Unrecognized errors classify as
// ErrUnknown.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrAuth),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimit),
		errors.Is(err, ErrServer), errors.Is(err, ErrValidation),
		errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return unwrapSentinel(err)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}

		return ErrNetwork
	}

	return ErrUnknown
}

// unwrapSentinel returns the matching sentinel for an already-classified
// error chain.
func unwrapSentinel(err error) error {
	for _, s := range []error{ErrNetwork, ErrAuth, ErrTimeout, ErrRateLimit,
		ErrServer, ErrValidation, ErrConflict, ErrNotFound} {
		if errors.Is(err, s) {
			return s
		}
	}

	return ErrUnknown
}

// Transient reports whether the failure is worth a queued retry with
// backoff. Validation and not-found failures are permanent; auth failures
// go through the refresh-once path instead of generic retry.
func Transient(err error) bool {
	switch Classify(err) {
	case ErrNetwork, ErrTimeout, ErrServer, ErrRateLimit, ErrUnknown:
		return true
	default:
		return false
	}
}

// isRetryable reports whether the given HTTP status should be retried at
// the transport level.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
