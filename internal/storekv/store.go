// Package storekv is the typed State Store Adapter described in spec.md
// §4.1: a narrow view over a shared key-value + pub/sub store that every
// other component talks to instead of touching the wire format directly.
//
// Two backends implement Store: RedisStore (production — Redis supplies the
// atomic CAS, TTL, list append, and pub/sub primitives the adapter needs in
// one client) and MemoryStore (tests and zero-config runs, ported from the
// teacher's in-process long-poll registry).
package storekv

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/durable-streams/batchproxy/internal/model"
)

// Sentinel errors, in the shape of client-go/errors.go's StreamError family:
// narrow, checkable with errors.Is, and never string-matched by callers.
var (
	ErrNotFound      = errors.New("storekv: record not found")
	ErrAlreadyExists = errors.New("storekv: record already exists")
	ErrUnavailable   = errors.New("storekv: store unavailable")
	ErrClosed        = errors.New("storekv: subscription closed")
)

// RegisterOutcome is the result of RegisterNew (spec.md §4.1).
type RegisterOutcome int

const (
	Registered RegisterOutcome = iota
	AlreadyExists
)

// Subscription is a live handle on a WakeTopic. Callers must Close it when
// done waiting to release the underlying channel or pub/sub connection.
type Subscription interface {
	// Wait blocks until a wake event arrives, the context is done, or the
	// subscription is closed. It returns nil on a wake event.
	Wait(ctx context.Context) error
	Close() error
}

// Store is the State Store Adapter interface from spec.md §4.1. In RedisStore
// every record write refreshes TTL; MemoryStore keeps no TTL. Operations documented with "atomic" in spec.md must be
// implemented with compare-and-set or an equivalent scripted transaction —
// RedisStore uses Lua scripts, MemoryStore uses a single mutex.
type Store interface {
	GetRequest(ctx context.Context, key string) (*model.RequestRecord, error)

	// RegisterNew creates a Queued record and appends it to PendingIndex
	// only if no record exists for key. Atomic.
	RegisterNew(ctx context.Context, key string, payload json.RawMessage) (RegisterOutcome, *model.RequestRecord, error)

	// TransitionToDispatched asserts current status is Queued for each key
	// and sets Dispatched + batchID. Keys failing the precondition are
	// returned in skipped rather than erroring the whole call. Atomic per key.
	TransitionToDispatched(ctx context.Context, keys []string, batchID string) (skipped []string, err error)

	// DrainPending atomically renames PendingIndex to a private snapshot and
	// returns its contents; concurrent producers start appending to a fresh
	// empty index.
	DrainPending(ctx context.Context) ([]string, error)

	// SetProcessing advances a BatchRecord and all its request records from
	// Dispatched to Processing. Idempotent.
	SetProcessing(ctx context.Context, batchID string) error

	// CompleteRequest and FailRequest perform the terminal transition.
	// Ignored (no-op, no publish) if the record is already terminal. They
	// publish to WakeTopic(key) exactly when the state actually changes.
	CompleteRequest(ctx context.Context, key string, result json.RawMessage) error
	FailRequest(ctx context.Context, key string, reason *model.RequestError) error

	GetBatch(ctx context.Context, batchID string) (*model.BatchRecord, error)
	CreateBatch(ctx context.Context, batchID string, keys []string, fileID string) error
	UpdateBatch(ctx context.Context, batchID string, status model.BatchStatus, outputFileID string) error

	// ActiveBatchIDs lists BatchRecords whose status is Submitted or
	// InProgress, for the Poller's enumeration step.
	ActiveBatchIDs(ctx context.Context) ([]string, error)

	// Subscribe opens a WakeTopic(key) subscription. Callers must read the
	// record once after subscribing (read-after-subscribe, spec.md §4.1/§9)
	// to cover the race where the terminal transition happened first.
	Subscribe(ctx context.Context, key string) (Subscription, error)

	Close() error
}
