package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for fragment fetch outcomes. The fallback coordinator
// branches on these to decide between skip, retry-next-source, and
// success-with-empty.
var (
	// ErrNoData indicates the provider has no data for the requested
	// cell (HTTP 404 / NoSuchKey). Open ocean, not a failure.
	ErrNoData = errors.New("no data for cell")

	// ErrThrottled indicates the provider rate-limited the request.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates a transient provider failure (5xx).
	ErrUnavailable = errors.New("provider unavailable")

	// ErrTimeout indicates the fetch attempt exceeded its deadline.
	ErrTimeout = errors.New("fetch timed out")

	// ErrCorruptPayload indicates the payload failed validation.
	ErrCorruptPayload = errors.New("corrupt payload")

	// ErrAuthRequired indicates the provider rejected the credentials.
	ErrAuthRequired = errors.New("authentication required")
)

// FetchError wraps a fetch failure with source and fragment context.
type FetchError struct {
	// Op is the operation that failed (e.g., "Fetch").
	Op string

	// Source is the source identifier.
	Source string

	// Fragment describes the requested fragment (cell stem or block).
	Fragment string

	// Err is the underlying error.
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Source, e.Op, e.Fragment, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsNoData reports whether the error means the provider has no data.
func IsNoData(err error) bool {
	return errors.Is(err, ErrNoData)
}

// IsThrottled reports whether the error is a rate-limit rejection.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsRetryable reports whether trying the next candidate source makes
// sense: transient provider failures, timeouts, and corrupt payloads.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCorruptPayload) ||
		errors.Is(err, context.DeadlineExceeded)
}

// classifyStatus maps an HTTP response status to the sentinel taxonomy.
// A nil return means the status is a success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNoData
	case status == http.StatusTooManyRequests:
		return ErrThrottled
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthRequired
	case status >= 500:
		return ErrUnavailable
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, status)
	}
}
