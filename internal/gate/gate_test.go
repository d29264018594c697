package gate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/durable-streams/batchproxy/internal/model"
	"github.com/durable-streams/batchproxy/internal/storekv"
)

func TestGate_Check_FirstSeenIsAccepted(t *testing.T) {
	g := New(storekv.NewMemoryStore(), zap.NewNop())

	d, err := g.Check(context.Background(), "key-1", json.RawMessage(`{"model":"gpt-5"}`))
	require.NoError(t, err)
	assert.Equal(t, Accepted, d.Outcome)
	assert.Equal(t, model.StatusQueued, d.Record.Status)
}

func TestGate_Check_SecondCallWaitsOnNonTerminalRecord(t *testing.T) {
	g := New(storekv.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	_, err := g.Check(ctx, "key-1", json.RawMessage(`{"model":"gpt-5"}`))
	require.NoError(t, err)

	// A second caller with the same key, even with a different payload,
	// attaches to the existing record rather than erroring or registering
	// a duplicate.
	d, err := g.Check(ctx, "key-1", json.RawMessage(`{"model":"some-other-model"}`))
	require.NoError(t, err)
	assert.Equal(t, Wait, d.Outcome)
	assert.JSONEq(t, `{"model":"gpt-5"}`, string(d.Record.Payload))
}

func TestGate_Check_ReturnsCachedTerminalResult(t *testing.T) {
	store := storekv.NewMemoryStore()
	g := New(store, zap.NewNop())
	ctx := context.Background()

	_, err := g.Check(ctx, "key-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.CompleteRequest(ctx, "key-1", json.RawMessage(`{"choices":[]}`)))

	d, err := g.Check(ctx, "key-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Return, d.Outcome)
	assert.Equal(t, model.StatusCompleted, d.Record.Status)
	assert.JSONEq(t, `{"choices":[]}`, string(d.Record.Result))
}

func TestGate_Check_MissingKey(t *testing.T) {
	g := New(storekv.NewMemoryStore(), zap.NewNop())

	_, err := g.Check(context.Background(), "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)
}
