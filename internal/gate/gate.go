// Package gate implements the Idempotency Gate (spec.md §4.2): the single
// decision point that turns an inbound (key, payload) pair into either a
// brand new Queued record or an attachment to whatever record already
// exists for that key. The first-seen payload always wins; later callers
// attach to it rather than racing a second copy into the store.
package gate

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/durable-streams/batchproxy/internal/model"
	"github.com/durable-streams/batchproxy/internal/storekv"
)

// ErrMissingIdempotencyKey is returned when the caller supplies an empty
// key; the handler maps this straight to a 400 response.
var ErrMissingIdempotencyKey = errors.New("gate: missing idempotency key")

// Outcome is the three-way result of Check, per spec.md §4.2.
type Outcome int

const (
	// Wait means a record exists and is not yet terminal; the caller should
	// subscribe to the WakeTopic and wait for it.
	Wait Outcome = iota
	// Return means a record exists and is terminal; the stored result or
	// error can be returned to the client immediately.
	Return
	// Accepted means no prior record existed; a new Queued record has been
	// registered and indexed.
	Accepted
)

func (o Outcome) String() string {
	switch o {
	case Wait:
		return "wait"
	case Return:
		return "return"
	case Accepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Decision is what Check hands back to the Request Handler.
type Decision struct {
	Outcome Outcome
	Record  *model.RequestRecord
}

// Gate wraps a Store with the idempotency contract described above.
type Gate struct {
	store  storekv.Store
	logger *zap.Logger
}

func New(store storekv.Store, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Check is the single entry point described in spec.md §4.2. The payload
// passed here is only ever used the first time a key is seen; on every
// subsequent call for the same key it is ignored, by design — the gate
// attaches to whatever record already exists rather than reporting a
// mismatch.
func (g *Gate) Check(ctx context.Context, key string, payload json.RawMessage) (Decision, error) {
	if key == "" {
		return Decision{}, ErrMissingIdempotencyKey
	}

	outcome, rec, err := g.store.RegisterNew(ctx, key, payload)
	if err != nil {
		return Decision{}, err
	}

	if outcome == storekv.Registered {
		return Decision{Outcome: Accepted, Record: rec}, nil
	}

	g.logger.Debug("attaching to existing record", zap.String("key", key), zap.String("status", string(rec.Status)))

	if rec.Status.Terminal() {
		return Decision{Outcome: Return, Record: rec}, nil
	}
	return Decision{Outcome: Wait, Record: rec}, nil
}
