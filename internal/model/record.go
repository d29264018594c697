// Package model defines the persisted shapes shared by every component of
// the batch proxy: request records, batch records, and the chat-completions
// payloads they carry.
package model

import (
	"encoding/json"
	"time"
)

// RequestStatus is the monotonic lifecycle state of a RequestRecord.
type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusDispatched RequestStatus = "dispatched"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether the status is one a RequestRecord never leaves.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorKind enumerates the error surfaces from spec.md §7. Each is mapped to
// an observable client-facing outcome by the handler package.
type ErrorKind string

const (
	ErrKindMissingIdempotencyKey ErrorKind = "missing_idempotency_key"
	ErrKindStoreUnavailable      ErrorKind = "store_unavailable"
	ErrKindDispatchFailed        ErrorKind = "dispatch_failed"
	ErrKindBatchFailed           ErrorKind = "batch_failed"
	ErrKindBatchExpired          ErrorKind = "batch_expired"
	ErrKindMissingOutput         ErrorKind = "missing_output"
	ErrKindPerRequestError       ErrorKind = "per_request_error"
	ErrKindHandlerTimeout        ErrorKind = "handler_timeout"
)

// RequestError is the structured reason stored on a Failed RequestRecord.
type RequestError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RequestError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// RequestRecord is one per unique idempotency key (spec.md §3).
type RequestRecord struct {
	Key       string          `json:"key"`
	Status    RequestStatus   `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	BatchID   string          `json:"batch_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RequestError   `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BatchStatus is the lifecycle state of a BatchRecord.
type BatchStatus string

const (
	BatchSubmitted  BatchStatus = "submitted"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
)

// Terminal reports whether the batch status is one a BatchRecord never
// leaves.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchExpired:
		return true
	default:
		return false
	}
}

// BatchRecord is one per upstream batch submission (spec.md §3).
type BatchRecord struct {
	BatchID              string      `json:"batch_id"`
	Status               BatchStatus `json:"status"`
	RequestKeys          []string    `json:"request_keys"`
	UpstreamFileID       string      `json:"upstream_file_id"`
	UpstreamOutputFileID string      `json:"upstream_output_file_id,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	LastPolledAt         time.Time   `json:"last_polled_at"`
}

// TTL is the retention window for both record kinds (spec.md §3).
const TTL = 48 * time.Hour
