package restriction

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use,
// with the same version semantics as the postgres store.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	transitions map[string][]*Transition
}

// NewMemoryStore creates an in-memory restriction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*Record),
		transitions: make(map[string][]*Transition),
	}
}

func (s *MemoryStore) Get(ctx context.Context, klienID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[klienID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) Create(ctx context.Context, r *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[r.KlienID]; ok {
		c := *existing
		return &c, nil
	}
	stored := *r
	stored.Version = 1
	s.records[r.KlienID] = &stored
	c := stored
	return &c, nil
}

func (s *MemoryStore) UpdateCAS(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[r.KlienID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != r.Version {
		return ErrConflict
	}
	stored := *r
	stored.Version++
	s.records[r.KlienID] = &stored
	r.Version = stored.Version
	return nil
}

func (s *MemoryStore) ListMaintenanceDue(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Record
	for _, r := range s.records {
		if r.LastMaintainedAt.Before(before) {
			c := *r
			due = append(due, &c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].LastMaintainedAt.Equal(due[j].LastMaintainedAt) {
			return due[i].KlienID < due[j].KlienID
		}
		return due[i].LastMaintainedAt.Before(due[j].LastMaintainedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) RecordTransition(ctx context.Context, tr *Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *tr
	s.transitions[tr.KlienID] = append(s.transitions[tr.KlienID], &c)
	return nil
}

func (s *MemoryStore) ListTransitions(ctx context.Context, klienID string, limit int) ([]*Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.transitions[klienID]
	if len(all) == 0 {
		return nil, nil
	}
	start := len(all) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	out := make([]*Transition, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}
