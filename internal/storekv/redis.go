package storekv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/durable-streams/batchproxy/internal/model"
)

// Redis key layout, per spec.md §6: request:{key}, pending, batch:{id},
// active_batches, wake:{key}.
const (
	requestKeyPrefix = "request:"
	batchKeyPrefix   = "batch:"
	pendingListKey   = "pending"
	activeBatchesKey = "active_batches"
	wakeTopicPrefix  = "wake:"
)

// registerNewScript creates a Queued record and appends it to the pending
// index only if no record exists yet — the CAS spec.md §4.1 requires of
// register_new. Returns {"registered"|"exists", <record json>}.
var registerNewScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {'exists', existing}
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', tonumber(ARGV[3]))
redis.call('RPUSH', KEYS[2], ARGV[1])
return {'registered', ARGV[2]}
`)

// transitionToDispatchedScript asserts status == queued for each id and, if
// so, sets dispatched + batch_id. IDs failing the precondition are returned
// in the skipped list rather than erroring the whole call.
var transitionToDispatchedScript = redis.NewScript(`
local batch_id = ARGV[1]
local now = ARGV[2]
local ttl = tonumber(ARGV[3])
local skipped = {}
for i = 4, #ARGV do
  local id = ARGV[i]
  local rkey = KEYS[1] .. id
  local raw = redis.call('GET', rkey)
  if not raw then
    table.insert(skipped, id)
  else
    local rec = cjson.decode(raw)
    if rec.status ~= 'queued' then
      table.insert(skipped, id)
    else
      rec.status = 'dispatched'
      rec.batch_id = batch_id
      rec.updated_at = now
      redis.call('SET', rkey, cjson.encode(rec), 'EX', ttl)
    end
  end
end
return skipped
`)

// drainPendingScript atomically renames the pending list to a private
// snapshot and returns its contents; concurrent RPUSH callers land on a
// fresh list created the moment the rename lands (spec.md §4.1/§4.4).
var drainPendingScript = redis.NewScript(`
local pending_key = KEYS[1]
if redis.call('EXISTS', pending_key) == 0 then
  return {}
end
local snapshot_key = pending_key .. ':drain:' .. ARGV[1]
redis.call('RENAME', pending_key, snapshot_key)
local items = redis.call('LRANGE', snapshot_key, 0, -1)
redis.call('DEL', snapshot_key)
return items
`)

// terminateScript performs the terminal transition for complete_request /
// fail_request: ignored if already terminal, otherwise sets status + the
// named field and publishes to the wake topic in the same script so the
// write and the publish are never observed out of order (spec.md §4.1).
var terminateScript = redis.NewScript(`
local rkey = KEYS[1]
local wake_topic = KEYS[2]
local status = ARGV[1]
local field = ARGV[2]
local value = ARGV[3]
local now = ARGV[4]
local ttl = tonumber(ARGV[5])
local raw = redis.call('GET', rkey)
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec.status == 'completed' or rec.status == 'failed' then
  return 0
end
rec.status = status
rec[field] = cjson.decode(value)
rec.updated_at = now
redis.call('SET', rkey, cjson.encode(rec), 'EX', ttl)
redis.call('PUBLISH', wake_topic, '1')
return 1
`)

// RedisStore is the production State Store Adapter backend.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisStore wraps an already-connected redis client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, ttl: model.TTL}
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *RedisStore) ttlSeconds() int64 {
	return int64(s.ttl / time.Second)
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) GetRequest(ctx context.Context, key string) (*model.RequestRecord, error) {
	raw, err := s.client.Get(ctx, requestKeyPrefix+key).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	var rec model.RequestRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: decode request record: %v", ErrUnavailable, err)
	}
	return &rec, nil
}

func (s *RedisStore) RegisterNew(ctx context.Context, key string, payload json.RawMessage) (RegisterOutcome, *model.RequestRecord, error) {
	now := time.Now().UTC()
	rec := model.RequestRecord{
		Key:       key,
		Status:    model.StatusQueued,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return 0, nil, fmt.Errorf("encode new request record: %w", err)
	}

	res, err := registerNewScript.Run(ctx, s.client,
		[]string{requestKeyPrefix + key, pendingListKey},
		key, string(encoded), s.ttlSeconds(),
	).Slice()
	if err != nil {
		return 0, nil, wrapRedisErr(err)
	}

	outcome, _ := res[0].(string)
	recordJSON, _ := res[1].(string)

	var stored model.RequestRecord
	if err := json.Unmarshal([]byte(recordJSON), &stored); err != nil {
		return 0, nil, fmt.Errorf("%w: decode register_new result: %v", ErrUnavailable, err)
	}

	if outcome == "exists" {
		return AlreadyExists, &stored, nil
	}
	return Registered, &stored, nil
}

func (s *RedisStore) TransitionToDispatched(ctx context.Context, keys []string, batchID string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(keys)+3)
	args = append(args, batchID, nowString(), s.ttlSeconds())
	for _, k := range keys {
		args = append(args, k)
	}

	res, err := transitionToDispatchedScript.Run(ctx, s.client, []string{requestKeyPrefix}, args...).StringSlice()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return res, nil
}

func (s *RedisStore) DrainPending(ctx context.Context) ([]string, error) {
	token := uuid.NewString()
	res, err := drainPendingScript.Run(ctx, s.client, []string{pendingListKey}, token).StringSlice()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return res, nil
}

func (s *RedisStore) SetProcessing(ctx context.Context, batchID string) error {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == model.BatchSubmitted {
		if err := s.UpdateBatch(ctx, batchID, model.BatchInProgress, ""); err != nil {
			return err
		}
	}

	for _, key := range batch.RequestKeys {
		rec, err := s.GetRequest(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if rec.Status != model.StatusDispatched {
			continue
		}
		rec.Status = model.StatusProcessing
		rec.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode request record: %w", err)
		}
		if err := s.client.Set(ctx, requestKeyPrefix+key, encoded, s.ttl).Err(); err != nil {
			return wrapRedisErr(err)
		}
	}
	return nil
}

func (s *RedisStore) terminate(ctx context.Context, key string, status model.RequestStatus, field string, value interface{}) error {
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}

	n, err := terminateScript.Run(ctx, s.client,
		[]string{requestKeyPrefix + key, wakeTopicPrefix + key},
		string(status), field, string(encodedValue), nowString(), s.ttlSeconds(),
	).Int()
	if err != nil {
		return wrapRedisErr(err)
	}
	if n == 0 {
		// Either missing or already terminal: both are no-ops per spec.md §4.1.
		s.logger.Debug("terminate no-op", zap.String("key", key), zap.String("status", string(status)))
	}
	return nil
}

func (s *RedisStore) CompleteRequest(ctx context.Context, key string, result json.RawMessage) error {
	return s.terminate(ctx, key, model.StatusCompleted, "result", result)
}

func (s *RedisStore) FailRequest(ctx context.Context, key string, reason *model.RequestError) error {
	return s.terminate(ctx, key, model.StatusFailed, "error", reason)
}

func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*model.BatchRecord, error) {
	raw, err := s.client.Get(ctx, batchKeyPrefix+batchID).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	var b model.BatchRecord
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("%w: decode batch record: %v", ErrUnavailable, err)
	}
	return &b, nil
}

func (s *RedisStore) CreateBatch(ctx context.Context, batchID string, keys []string, fileID string) error {
	now := time.Now().UTC()
	b := model.BatchRecord{
		BatchID:        batchID,
		Status:         model.BatchSubmitted,
		RequestKeys:    keys,
		UpstreamFileID: fileID,
		CreatedAt:      now,
		LastPolledAt:   now,
	}
	encoded, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, batchKeyPrefix+batchID, encoded, s.ttl)
	pipe.SAdd(ctx, activeBatchesKey, batchID)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) UpdateBatch(ctx context.Context, batchID string, status model.BatchStatus, outputFileID string) error {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	b.Status = status
	if outputFileID != "" {
		b.UpstreamOutputFileID = outputFileID
	}
	b.LastPolledAt = time.Now().UTC()

	encoded, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, batchKeyPrefix+batchID, encoded, s.ttl)
	if status.Terminal() {
		pipe.SRem(ctx, activeBatchesKey, batchID)
	} else {
		pipe.SAdd(ctx, activeBatchesKey, batchID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

func (s *RedisStore) ActiveBatchIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeBatchesKey).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return ids, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *RedisStore) Subscribe(ctx context.Context, key string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, wakeTopicPrefix+key)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrapRedisErr(err)
	}
	return &redisSubscription{pubsub: ps}, nil
}

func (w *redisSubscription) Wait(ctx context.Context) error {
	select {
	case _, ok := <-w.pubsub.Channel():
		if !ok {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *redisSubscription) Close() error {
	return w.pubsub.Close()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
