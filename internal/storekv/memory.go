package storekv

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/durable-streams/batchproxy/internal/model"
)

// MemoryStore is an in-process Store, used by tests and by a zero-config
// dev run of the proxy. It reuses the teacher's long-poll registry shape
// (store/memory_store.go's longPollManager): a map of key to a slice of
// channels, notified under a single mutex. Because it is in-process it
// cannot back more than one proxy instance — see DESIGN.md. It keeps no TTL:
// records and batches stay in memory until the process exits.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*model.RequestRecord
	batches  map[string]*model.BatchRecord
	pending  []string

	wake map[string][]chan struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*model.RequestRecord),
		batches:  make(map[string]*model.BatchRecord),
		wake:     make(map[string][]chan struct{}),
	}
}

func cloneRequest(r *model.RequestRecord) *model.RequestRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func cloneBatch(b *model.BatchRecord) *model.BatchRecord {
	if b == nil {
		return nil
	}
	cp := *b
	cp.RequestKeys = append([]string(nil), b.RequestKeys...)
	return &cp
}

func (s *MemoryStore) GetRequest(_ context.Context, key string) (*model.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *MemoryStore) RegisterNew(_ context.Context, key string, payload json.RawMessage) (RegisterOutcome, *model.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.requests[key]; ok {
		return AlreadyExists, cloneRequest(existing), nil
	}

	now := time.Now()
	rec := &model.RequestRecord{
		Key:       key,
		Status:    model.StatusQueued,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.requests[key] = rec
	s.pending = append(s.pending, key)
	return Registered, cloneRequest(rec), nil
}

func (s *MemoryStore) TransitionToDispatched(_ context.Context, keys []string, batchID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var skipped []string
	now := time.Now()
	for _, key := range keys {
		rec, ok := s.requests[key]
		if !ok || rec.Status != model.StatusQueued {
			skipped = append(skipped, key)
			continue
		}
		rec.Status = model.StatusDispatched
		rec.BatchID = batchID
		rec.UpdatedAt = now
	}
	return skipped, nil
}

func (s *MemoryStore) DrainPending(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.pending
	s.pending = nil
	return drained, nil
}

func (s *MemoryStore) SetProcessing(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	if batch.Status == model.BatchSubmitted {
		batch.Status = model.BatchInProgress
	}

	now := time.Now()
	for _, key := range batch.RequestKeys {
		rec, ok := s.requests[key]
		if !ok || rec.Status != model.StatusDispatched {
			continue
		}
		rec.Status = model.StatusProcessing
		rec.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) completeOrFail(key string, apply func(*model.RequestRecord)) error {
	s.mu.Lock()
	rec, ok := s.requests[key]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	apply(rec)
	rec.UpdatedAt = time.Now()
	waiters := s.wake[key]
	delete(s.wake, key)
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	return nil
}

func (s *MemoryStore) CompleteRequest(_ context.Context, key string, result json.RawMessage) error {
	return s.completeOrFail(key, func(r *model.RequestRecord) {
		r.Status = model.StatusCompleted
		r.Result = result
	})
}

func (s *MemoryStore) FailRequest(_ context.Context, key string, reason *model.RequestError) error {
	return s.completeOrFail(key, func(r *model.RequestRecord) {
		r.Status = model.StatusFailed
		r.Error = reason
	})
}

func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*model.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) CreateBatch(_ context.Context, batchID string, keys []string, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now()
	s.batches[batchID] = &model.BatchRecord{
		BatchID:        batchID,
		Status:         model.BatchSubmitted,
		RequestKeys:    append([]string(nil), keys...),
		UpstreamFileID: fileID,
		CreatedAt:      now,
		LastPolledAt:   now,
	}
	return nil
}

func (s *MemoryStore) UpdateBatch(_ context.Context, batchID string, status model.BatchStatus, outputFileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	if outputFileID != "" {
		b.UpstreamOutputFileID = outputFileID
	}
	b.LastPolledAt = time.Now()
	return nil
}

func (s *MemoryStore) ActiveBatchIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, b := range s.batches {
		if !b.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memorySubscription struct {
	store *MemoryStore
	key   string
	ch    chan struct{}
}

func (s *MemoryStore) Subscribe(_ context.Context, key string) (Subscription, error) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.wake[key] = append(s.wake[key], ch)
	s.mu.Unlock()
	return &memorySubscription{store: s, key: key, ch: ch}, nil
}

func (w *memorySubscription) Wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *memorySubscription) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	waiters := w.store.wake[w.key]
	for i, c := range waiters {
		if c == w.ch {
			w.store.wake[w.key] = append(waiters[:i], waiters[i+1:]...)
			close(w.ch)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
