package idempotency

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. Tx holds one lock for the
// whole store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[Key]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Key]Record)}
}

func (s *MemoryStore) Tx(ctx context.Context, _ Key, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{s: s, writes: make(map[Key]Record)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, rec := range tx.writes {
		s.data[k] = rec
	}
	return nil
}

type memoryTx struct {
	s      *MemoryStore
	writes map[Key]Record
}

func (t *memoryTx) Get(_ context.Context, k Key) (*Record, error) {
	if rec, ok := t.writes[k]; ok {
		return &rec, nil
	}
	rec, ok := t.s.data[k]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t *memoryTx) Save(_ context.Context, rec *Record) error {
	t.writes[rec.Key] = *rec
	return nil
}
