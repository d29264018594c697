// Package poller implements the periodic worker from spec.md §4.5: it
// enumerates non-terminal BatchRecords, advances each against the upstream
// Batch API, and on terminal-with-output downloads and splits the output
// file into per-key completions or failures. Its tick-loop shape and
// shutdown guard are grounded on the teacher's webhook.Manager (retry
// scheduling, liveness timeout, shuttingDown-guarded mutex), generalized
// from per-consumer webhook delivery to per-batch status advancement.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/batchproxy/internal/model"
	"github.com/durable-streams/batchproxy/internal/storekv"
	"github.com/durable-streams/batchproxy/internal/upstream"
)

// Poller advances in-flight batches on a fixed interval.
type Poller struct {
	store    storekv.Store
	upstream *upstream.Client
	logger   *zap.Logger
	interval time.Duration
}

func New(store storekv.Store, client *upstream.Client, logger *zap.Logger, interval time.Duration) *Poller {
	return &Poller{store: store, upstream: client, logger: logger, interval: interval}
}

// Run ticks every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	batchIDs, err := p.store.ActiveBatchIDs(ctx)
	if err != nil {
		p.logger.Error("active_batch_ids failed, will retry next tick", zap.Error(err))
		return
	}

	for _, batchID := range batchIDs {
		p.pollOne(ctx, batchID)
	}
}

func (p *Poller) pollOne(ctx context.Context, batchID string) {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		p.logger.Error("get_batch from store failed", zap.String("batch_id", batchID), zap.Error(err))
		return
	}

	descriptor, err := p.upstream.GetBatch(ctx, batchID)
	if err != nil {
		p.logger.Error("upstream get_batch failed, will retry next tick", zap.String("batch_id", batchID), zap.Error(err))
		return
	}

	switch descriptor.Status {
	case upstream.BatchValidating:
		p.touchLastPolled(ctx, batchID, batch)
		return

	case upstream.BatchInProgress, upstream.BatchFinalizing:
		if batch.Status == model.BatchSubmitted {
			if err := p.store.SetProcessing(ctx, batchID); err != nil {
				p.logger.Error("set_processing failed", zap.String("batch_id", batchID), zap.Error(err))
			}
			return
		}
		p.touchLastPolled(ctx, batchID, batch)
		return

	case upstream.BatchCompleted:
		p.completeBatch(ctx, batchID, batch, descriptor)

	case upstream.BatchFailed:
		p.failBatch(ctx, batchID, batch, model.ErrKindBatchFailed, "upstream reported batch failure")

	case upstream.BatchExpired, upstream.BatchCancelled:
		p.failBatch(ctx, batchID, batch, model.ErrKindBatchExpired, "upstream batch expired before completion")

	default:
		p.logger.Warn("unrecognized upstream batch status", zap.String("batch_id", batchID), zap.String("status", string(descriptor.Status)))
	}
}

// touchLastPolled records that the poller observed this batch still
// pending, per spec.md §4.5 step 3: a batch in flight for hours must show
// a recent last_polled_at rather than going stale after its first tick.
func (p *Poller) touchLastPolled(ctx context.Context, batchID string, batch *model.BatchRecord) {
	if err := p.store.UpdateBatch(ctx, batchID, batch.Status, ""); err != nil {
		p.logger.Error("update_batch liveness touch failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (p *Poller) completeBatch(ctx context.Context, batchID string, batch *model.BatchRecord, descriptor *upstream.BatchDescriptor) {
	if descriptor.OutputFileID == "" {
		p.failBatch(ctx, batchID, batch, model.ErrKindMissingOutput, "upstream reported completion with no output file")
		return
	}

	lines, err := p.upstream.DownloadOutput(ctx, descriptor.OutputFileID)
	if err != nil {
		p.logger.Error("download_output failed, will retry next tick", zap.String("batch_id", batchID), zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		seen[line.CustomID] = true
		p.writeOutcome(ctx, line)
	}

	for _, key := range batch.RequestKeys {
		if seen[key] {
			continue
		}
		if err := p.store.FailRequest(ctx, key, &model.RequestError{
			Kind:    model.ErrKindMissingOutput,
			Message: "key present in batch but absent from output file",
		}); err != nil {
			p.logger.Error("fail_request for missing output failed", zap.String("key", key), zap.Error(err))
		}
	}

	if err := p.store.UpdateBatch(ctx, batchID, model.BatchCompleted, descriptor.OutputFileID); err != nil {
		p.logger.Error("update_batch to Completed failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (p *Poller) writeOutcome(ctx context.Context, line upstream.BatchOutputLine) {
	key := line.CustomID

	if line.Error != nil {
		if err := p.store.FailRequest(ctx, key, &model.RequestError{
			Kind:    model.ErrKindPerRequestError,
			Message: line.Error.Message,
		}); err != nil {
			p.logger.Error("fail_request for per-line error failed", zap.String("key", key), zap.Error(err))
		}
		return
	}

	if line.Response == nil {
		if err := p.store.FailRequest(ctx, key, &model.RequestError{
			Kind:    model.ErrKindMissingOutput,
			Message: "output line carried neither response nor error",
		}); err != nil {
			p.logger.Error("fail_request for empty output line failed", zap.String("key", key), zap.Error(err))
		}
		return
	}

	if line.Response.StatusCode >= 400 {
		if err := p.store.FailRequest(ctx, key, &model.RequestError{
			Kind:    model.ErrKindPerRequestError,
			Message: string(line.Response.Body),
		}); err != nil {
			p.logger.Error("fail_request for non-2xx response line failed", zap.String("key", key), zap.Error(err))
		}
		return
	}

	if err := p.store.CompleteRequest(ctx, key, line.Response.Body); err != nil {
		p.logger.Error("complete_request failed", zap.String("key", key), zap.Error(err))
	}
}

func (p *Poller) failBatch(ctx context.Context, batchID string, batch *model.BatchRecord, kind model.ErrorKind, message string) {
	for _, key := range batch.RequestKeys {
		if err := p.store.FailRequest(ctx, key, &model.RequestError{Kind: kind, Message: message}); err != nil {
			p.logger.Error("fail_request during batch failure propagation failed", zap.String("key", key), zap.Error(err))
		}
	}

	status := model.BatchFailed
	if kind == model.ErrKindBatchExpired {
		status = model.BatchExpired
	}
	if err := p.store.UpdateBatch(ctx, batchID, status, ""); err != nil {
		p.logger.Error("update_batch during failure propagation failed", zap.String("batch_id", batchID), zap.Error(err))
	}
}
