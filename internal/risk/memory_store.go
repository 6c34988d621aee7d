package risk

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// It keeps the same version semantics as the durable stores so engine
// behavior is identical across backends.
type MemoryStore struct {
	mu        sync.Mutex
	profiles  map[string]*Profile  // entityType:entityID → profile
	incidents map[string][]*Incident
}

// NewMemoryStore creates an in-memory risk store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:  make(map[string]*Profile),
		incidents: make(map[string][]*Incident),
	}
}

func profileKey(typ EntityType, id string) string { return string(typ) + ":" + id }

func (s *MemoryStore) Get(ctx context.Context, typ EntityType, id string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[profileKey(typ, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProfile(p), nil
}

func (s *MemoryStore) Create(ctx context.Context, p *Profile) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := profileKey(p.EntityType, p.EntityID)
	if existing, ok := s.profiles[key]; ok {
		return copyProfile(existing), nil
	}
	stored := copyProfile(p)
	stored.Version = 1
	s.profiles[key] = stored
	return copyProfile(stored), nil
}

func (s *MemoryStore) UpdateCAS(ctx context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := profileKey(p.EntityType, p.EntityID)
	existing, ok := s.profiles[key]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != p.Version {
		return ErrConflict
	}
	stored := copyProfile(p)
	stored.Version++
	s.profiles[key] = stored
	p.Version = stored.Version
	return nil
}

func (s *MemoryStore) ListDecayDue(ctx context.Context, before time.Time, limit int) ([]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Profile
	for _, p := range s.profiles {
		if p.Score > 0 && p.LastDecayAt.Before(before) {
			due = append(due, copyProfile(p))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].LastDecayAt.Before(due[j].LastDecayAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) RecordIncident(ctx context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := profileKey(inc.EntityType, inc.EntityID)
	c := *inc
	s.incidents[key] = append(s.incidents[key], &c)
	return nil
}

func (s *MemoryStore) ListIncidents(ctx context.Context, typ EntityType, id string, limit int) ([]*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.incidents[profileKey(typ, id)]
	if len(all) == 0 {
		return nil, nil
	}
	start := len(all) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	out := make([]*Incident, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}

func copyProfile(p *Profile) *Profile {
	c := *p
	if p.FactorScores != nil {
		c.FactorScores = make(map[string]float64, len(p.FactorScores))
		for k, v := range p.FactorScores {
			c.FactorScores[k] = v
		}
	}
	return &c
}
