package bucket

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// Version checks give it the same conflict semantics as the durable stores.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewMemoryStore creates an in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*Bucket)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Create(ctx context.Context, b *Bucket) (*Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.buckets[b.Key]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *b
	cp.Version = 1
	s.buckets[b.Key] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) UpdateCAS(ctx context.Context, b *Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.buckets[b.Key]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != b.Version {
		return ErrConflict
	}
	cp := *b
	cp.Version = b.Version + 1
	s.buckets[b.Key] = &cp
	b.Version = cp.Version
	return nil
}
