package storekv

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durable-streams/batchproxy/internal/model"
)

func TestMemoryStore_RegisterNew(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	outcome, rec, err := store.RegisterNew(ctx, "key-1", json.RawMessage(`{"model":"gpt-5"}`))
	require.NoError(t, err)
	assert.Equal(t, Registered, outcome)
	assert.Equal(t, model.StatusQueued, rec.Status)

	pending, err := store.DrainPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"key-1"}, pending)

	// Second registration with the same key must not re-enter the pending
	// index and must return the first-seen payload untouched.
	outcome2, rec2, err := store.RegisterNew(ctx, "key-1", json.RawMessage(`{"model":"different"}`))
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, outcome2)
	assert.JSONEq(t, `{"model":"gpt-5"}`, string(rec2.Payload))

	pendingAfter, err := store.DrainPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pendingAfter)
}

func TestMemoryStore_DrainPending_IsAtomicSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.RegisterNew(ctx, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, _, err = store.RegisterNew(ctx, "b", json.RawMessage(`{}`))
	require.NoError(t, err)

	drained, err := store.DrainPending(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, drained)

	// A key registered after the drain lands in a fresh pending index, not
	// the snapshot that was just handed to the dispatcher.
	_, _, err = store.RegisterNew(ctx, "c", json.RawMessage(`{}`))
	require.NoError(t, err)

	secondDrain, err := store.DrainPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, secondDrain)
}

func TestMemoryStore_TransitionToDispatched_SkipsNonQueued(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.RegisterNew(ctx, "queued-key", json.RawMessage(`{}`))
	require.NoError(t, err)

	skipped, err := store.TransitionToDispatched(ctx, []string{"queued-key", "missing-key"}, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"missing-key"}, skipped)

	rec, err := store.GetRequest(ctx, "queued-key")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, rec.Status)
	assert.Equal(t, "batch-1", rec.BatchID)

	// Re-running the transition against an already-dispatched key must skip
	// it rather than clobbering the batch assignment.
	skipped2, err := store.TransitionToDispatched(ctx, []string{"queued-key"}, "batch-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"queued-key"}, skipped2)
}

func TestMemoryStore_SetProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.RegisterNew(ctx, "k1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = store.TransitionToDispatched(ctx, []string{"k1"}, "batch-1")
	require.NoError(t, err)
	require.NoError(t, store.CreateBatch(ctx, "batch-1", []string{"k1"}, "file-1"))

	require.NoError(t, store.SetProcessing(ctx, "batch-1"))

	batch, err := store.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchInProgress, batch.Status)

	rec, err := store.GetRequest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, rec.Status)

	// Idempotent: calling again with an already-InProgress batch is a no-op.
	require.NoError(t, store.SetProcessing(ctx, "batch-1"))
	batch2, err := store.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchInProgress, batch2.Status)
}

func TestMemoryStore_CompleteRequest_TerminalIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.RegisterNew(ctx, "k1", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, store.CompleteRequest(ctx, "k1", json.RawMessage(`{"choices":[]}`)))
	rec, err := store.GetRequest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.JSONEq(t, `{"choices":[]}`, string(rec.Result))

	// A later FailRequest against an already-Completed record must be a
	// silent no-op: terminal status never regresses.
	require.NoError(t, store.FailRequest(ctx, "k1", &model.RequestError{Kind: model.ErrKindBatchFailed, Message: "boom"}))
	rec2, err := store.GetRequest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec2.Status)
	assert.Nil(t, rec2.Error)
}

func TestMemoryStore_Subscribe_WakesOnTerminalTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.RegisterNew(ctx, "k1", json.RawMessage(`{}`))
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, "k1")
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	waitErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		waitErr <- sub.Wait(context.Background())
	}()

	require.NoError(t, store.CompleteRequest(ctx, "k1", json.RawMessage(`{}`)))
	wg.Wait()
	assert.NoError(t, <-waitErr)
}

func TestMemoryStore_Subscribe_ReadAfterSubscribeCatchesRace(t *testing.T) {
	// If the terminal transition happens between RegisterNew and Subscribe,
	// Wait alone would block forever; callers must re-read the record once
	// after subscribing, per the read-after-subscribe pattern.
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.RegisterNew(ctx, "k1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.CompleteRequest(ctx, "k1", json.RawMessage(`{}`)))

	sub, err := store.Subscribe(ctx, "k1")
	require.NoError(t, err)
	defer sub.Close()

	rec, err := store.GetRequest(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, rec.Status.Terminal())

	ctxTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sub.Wait(ctxTimeout), context.DeadlineExceeded)
}

func TestMemoryStore_GetRequest_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetRequest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
