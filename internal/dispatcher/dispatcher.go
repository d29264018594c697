// Package dispatcher implements the periodic batching worker from
// spec.md §4.4: it drains the PendingIndex, shapes the drained keys into
// upstream batch-input JSONL, submits a file and a batch per chunk, and
// transitions each key from Queued to Dispatched. Its drain-then-submit
// tick is grounded on the teacher's BatchedStream.processBatch /
// sendBatch pair (client-go/batcher.go), generalized from an in-flight
// flag to a fixed-interval ticker since batches here are minutes-to-hours
// long rather than a single HTTP round trip.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/batchproxy/internal/model"
	"github.com/durable-streams/batchproxy/internal/storekv"
	"github.com/durable-streams/batchproxy/internal/upstream"
)

// Dispatcher drains Queued requests into upstream batch submissions on a
// fixed interval. It holds no request data between ticks; everything lives
// in the store.
type Dispatcher struct {
	store    storekv.Store
	upstream *upstream.Client
	logger   *zap.Logger

	interval     time.Duration
	maxBatchSize int
}

// New builds a Dispatcher. maxBatchSize caps the number of keys submitted in
// a single upstream batch; a larger drain is split into consecutive
// submissions within the same tick (spec.md §4.4 edge policy). A
// non-positive maxBatchSize disables splitting.
func New(store storekv.Store, client *upstream.Client, logger *zap.Logger, interval time.Duration, maxBatchSize int) *Dispatcher {
	return &Dispatcher{
		store:        store,
		upstream:     client,
		logger:       logger,
		interval:     interval,
		maxBatchSize: maxBatchSize,
	}
}

// Run ticks every interval until ctx is cancelled. Each tick's failures are
// logged. A failed drain leaves the PendingIndex as it was for the next tick;
// a chunk that fails before it is recorded as a batch has its drained keys
// marked Failed with DispatchFailed, and those keys are not re-queued.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	keys, err := d.store.DrainPending(ctx)
	if err != nil {
		d.logger.Error("drain_pending failed, will retry next tick", zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}

	for _, chunk := range chunkKeys(keys, d.maxBatchSize) {
		d.submitChunk(ctx, chunk)
	}
}

func chunkKeys(keys []string, maxSize int) [][]string {
	if maxSize <= 0 || len(keys) <= maxSize {
		return [][]string{keys}
	}
	var chunks [][]string
	for i := 0; i < len(keys); i += maxSize {
		end := i + maxSize
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}

func (d *Dispatcher) submitChunk(ctx context.Context, keys []string) {
	payloads, err := d.collectPayloads(ctx, keys)
	if err != nil {
		d.logger.Error("failed to collect payloads for chunk, failing chunk", zap.Error(err), zap.Int("keys", len(keys)))
		d.failAll(ctx, keys, err)
		return
	}

	jsonl, err := upstream.BuildInputJSONL(keys, payloads)
	if err != nil {
		d.logger.Error("failed to build batch input jsonl", zap.Error(err))
		d.failAll(ctx, keys, err)
		return
	}

	fileID, err := d.upstream.UploadFile(ctx, "batch-input.jsonl", jsonl)
	if err != nil {
		d.logger.Error("upstream file upload failed", zap.Error(err), zap.Int("keys", len(keys)))
		d.failAll(ctx, keys, err)
		return
	}

	batchID, err := d.upstream.CreateBatch(ctx, fileID)
	if err != nil {
		d.logger.Error("upstream batch create failed", zap.Error(err), zap.String("file_id", fileID))
		d.failAll(ctx, keys, err)
		return
	}

	if err := d.store.CreateBatch(ctx, batchID, keys, fileID); err != nil {
		d.logger.Error("create_batch in store failed after upstream submission", zap.Error(err), zap.String("batch_id", batchID))
		d.failAll(ctx, keys, err)
		return
	}

	skipped, err := d.store.TransitionToDispatched(ctx, keys, batchID)
	if err != nil {
		d.logger.Error("transition_to_dispatched failed", zap.Error(err), zap.String("batch_id", batchID))
		return
	}
	if len(skipped) > 0 {
		d.logger.Warn("keys skipped during dispatch transition (precondition not met)",
			zap.String("batch_id", batchID), zap.Strings("skipped", skipped))
	}

	d.logger.Info("dispatched batch", zap.String("batch_id", batchID), zap.Int("keys", len(keys)))
}

func (d *Dispatcher) collectPayloads(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	payloads := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		rec, err := d.store.GetRequest(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read record for key %q: %w", key, err)
		}
		payloads[key] = rec.Payload
	}
	return payloads, nil
}

// failAll marks every key in the chunk Failed with DispatchFailed; this is
// a terminal outcome, never a silent re-queue (spec.md §4.4 step 7).
func (d *Dispatcher) failAll(ctx context.Context, keys []string, cause error) {
	reason := &model.RequestError{
		Kind:    model.ErrKindDispatchFailed,
		Message: cause.Error(),
	}
	for _, key := range keys {
		if err := d.store.FailRequest(ctx, key, reason); err != nil {
			d.logger.Error("failed to mark key as DispatchFailed", zap.String("key", key), zap.Error(err))
		}
	}
}
