package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common upstream failure modes, in the shape of
// client-go/errors.go's StreamError family: narrow, checkable with
// errors.Is, never string-matched by callers.
var (
	ErrRateLimited   = errors.New("upstream: rate limited")
	ErrUnauthorized  = errors.New("upstream: unauthorized")
	ErrBadRequest    = errors.New("upstream: bad request")
	ErrServerError   = errors.New("upstream: server error")
	ErrBatchNotFound = errors.New("upstream: batch not found")
)

// CallError wraps a failed upstream HTTP call with enough context to log
// and to classify via errors.Is/errors.As.
type CallError struct {
	Op         string // "upload_file", "create_batch", "get_batch", "download_output"
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream: %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func newCallError(op string, statusCode int, err error) *CallError {
	return &CallError{Op: op, StatusCode: statusCode, Err: err}
}

func errorFromStatus(statusCode int) error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrUnauthorized
	case statusCode == 404:
		return ErrBatchNotFound
	case statusCode == 429:
		return ErrRateLimited
	case statusCode == 400:
		return ErrBadRequest
	case statusCode >= 500:
		return ErrServerError
	default:
		return fmt.Errorf("unexpected status code: %d", statusCode)
	}
}
